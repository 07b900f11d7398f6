package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"entpipe/internal/rollback"
)

var (
	rollbackRunID string
	rollbackYes   bool
	listRuns      bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <stage>",
	Short: "Delete one run's rows from a stage table",
	Long: `Delete every row a run wrote to a stage's output table. Requires
--run-id and an interactive 'yes' (or --confirm). Use --list-runs to see
candidate runs by recency and row count.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, err := strconv.Atoi(args[0])
		if err != nil || stage < 0 || stage > 16 {
			return fmt.Errorf("invalid stage %q: want a number 0-16", args[0])
		}

		wh, err := openWarehouse()
		if err != nil {
			return err
		}
		defer wh.Close()

		if listRuns {
			return rollback.ListRuns(wh, stage, os.Stdout)
		}
		return rollback.Run(wh, stage, rollbackRunID, rollbackYes, os.Stdin, os.Stdout)
	},
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackRunID, "run-id", "", "run to delete (required unless --list-runs)")
	rollbackCmd.Flags().BoolVar(&rollbackYes, "confirm", false, "skip the interactive confirmation")
	rollbackCmd.Flags().BoolVar(&listRuns, "list-runs", false, "list runs in this stage's table")
}
