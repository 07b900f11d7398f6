package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"entpipe/internal/verify"
)

var verifyRunID string

var verifyCmd = &cobra.Command{
	Use:   "verify <stage|all>",
	Short: "Check a stage's output invariants",
	Long: `Verify a stage's output: table existence, row counts (scoped to
--run-id when given), and stage-specific invariants. Exits non-zero on
any failure.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wh, err := openWarehouse()
		if err != nil {
			return err
		}
		defer wh.Close()

		v := verify.New(wh, cfg.Staging.Dir)

		var toCheck []int
		if args[0] == "all" {
			for n := 0; n <= 16; n++ {
				toCheck = append(toCheck, n)
			}
		} else {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid stage %q", args[0])
			}
			toCheck = []int{n}
		}

		failed := false
		for _, n := range toCheck {
			report, err := v.Stage(n, verifyRunID)
			if err != nil {
				return err
			}
			fmt.Print(report.Format())
			if !report.OK() {
				failed = true
			}
		}
		if failed {
			return fmt.Errorf("verification failed")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyRunID, "run-id", "", "scope checks to one run")
}
