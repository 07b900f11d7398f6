package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"entpipe/internal/identity"
	"entpipe/internal/stages"
)

var (
	includeWarnings bool
	strictMode      bool
)

var runCmd = &cobra.Command{
	Use:   "run <stage|all|N-M>",
	Short: "Execute one stage, a range, or the whole pipeline",
	Long: `Execute pipeline stages. The argument is a stage number (0-16), a
range like 3-8, or "all". A run id is generated when not supplied;
supply the same --run-id to continue a run across invocations.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, through, err := parseStageArg(args[0])
		if err != nil {
			return err
		}

		if runID == "" {
			runID = identity.NewRunID()
			fmt.Printf("run id: %s\n", runID)
		}

		wh, err := openWarehouse()
		if err != nil {
			return err
		}
		defer wh.Close()

		pipeline := newPipeline(wh)
		opts := stages.Options{
			RunID:           runID,
			BatchSize:       batchSize,
			DryRun:          dryRun,
			IncludeWarnings: includeWarnings || cfg.Pipeline.IncludeWarnings,
			Strict:          strictMode || cfg.Pipeline.Strict,
		}

		all, err := pipeline.RunAll(cmd.Context(), from, through, opts)
		for _, st := range all {
			printStats(st)
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	runCmd.Flags().IntVar(&batchSize, "batch-size", 0, "insert batch size (0 = configured default)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "process without writing to the warehouse")
	runCmd.Flags().BoolVar(&includeWarnings, "include-warnings", false, "promote WARNING rows at stage 16")
	runCmd.Flags().BoolVar(&strictMode, "strict", false, "treat validation warnings as errors")
}

// parseStageArg accepts "all", a single stage number, or an inclusive range
// like "3-8".
func parseStageArg(arg string) (from, through int, err error) {
	if arg == "all" {
		return 0, 16, nil
	}
	if lo, hi, ok := strings.Cut(arg, "-"); ok {
		from, err = strconv.Atoi(lo)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid stage range %q", arg)
		}
		through, err = strconv.Atoi(hi)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid stage range %q", arg)
		}
		return from, through, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid stage %q: want a number 0-16, a range like 3-8, or \"all\"", arg)
	}
	return n, n, nil
}

func printStats(st *stages.Stats) {
	fmt.Printf("stage %2d %-16s in=%-7d out=%-7d skipped=%-5d signals=%-3d %s",
		st.Stage, st.Name, st.RowsIn, st.RowsOut, st.Skipped, st.Signals, st.Duration.Round(time.Millisecond))
	if len(st.Extra) > 0 {
		fmt.Printf("  %v", st.Extra)
	}
	fmt.Println()
}
