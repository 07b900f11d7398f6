// entpipe ingests coding-assistant session logs into a hierarchical entity
// warehouse through a 17-stage pipeline: extraction, cleaning, identity,
// derivation, enrichment, validation, and promotion into entity_unified.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"entpipe/internal/config"
	"entpipe/internal/gateway"
	"entpipe/internal/stages"
	"entpipe/internal/warehouse"
)

var (
	configPath string
	runID      string
	batchSize  int
	dryRun     bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "entpipe",
	Short: "Session-log ingestion pipeline for the entity warehouse",
	Long: `entpipe turns raw JSONL session logs into a normalized, validated
entity warehouse. Each of the 17 stages is independently executable,
idempotent per run, individually verifiable, and individually
rollback-able.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")

	rootCmd.AddCommand(runCmd, verifyCmd, rollbackCmd, statusCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openWarehouse opens the configured warehouse database.
func openWarehouse() (*warehouse.DB, error) {
	return warehouse.Open(cfg.Warehouse.Path)
}

// newPipeline wires a pipeline with its gateway.
func newPipeline(wh *warehouse.DB) *stages.Pipeline {
	llm := gateway.NewClient(gateway.Options{
		BaseURL:       cfg.Gateway.BaseURL,
		EmbedModel:    cfg.Gateway.EmbedModel,
		GenerateModel: cfg.Gateway.GenerateModel,
		Timeout:       time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
		MaxAttempts:   cfg.Gateway.MaxAttempts,
		BaseDelay:     time.Duration(cfg.Gateway.BaseDelayMS) * time.Millisecond,
	})
	return stages.NewPipeline(&cfg, wh, llm)
}
