package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		wh, err := openWarehouse()
		if err != nil {
			return err
		}
		defer wh.Close()

		stats, err := wh.Stats()
		if err != nil {
			return err
		}

		tables := make([]string, 0, len(stats))
		for t := range stats {
			tables = append(tables, t)
		}
		sort.Strings(tables)

		fmt.Printf("warehouse: %s\n", wh.Path())
		for _, t := range tables {
			fmt.Printf("  %-28s %d\n", t, stats[t])
		}
		return nil
	},
}
