package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronotrace/chronotrace/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync cursors and store counts",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ctx := context.Background()

		cursors, err := db.GetLastSyncTimes(ctx)
		if err != nil {
			fatalf("failed to read sync cursors: %v", err)
		}

		fmt.Println("Last successful sync:")
		for _, entity := range store.SyncOrder {
			if t, ok := cursors[entity]; ok {
				fmt.Printf("  %-12s %s (%s ago)\n", entity,
					t.Format(time.RFC3339), time.Since(t).Round(time.Second))
			} else {
				fmt.Printf("  %-12s never\n", entity)
			}
		}

		entries, err := db.CountTimeEntries(ctx)
		if err != nil {
			fatalf("failed to count time entries: %v", err)
		}
		total, open, err := db.CountViolations(ctx)
		if err != nil {
			fatalf("failed to count violations: %v", err)
		}

		fmt.Printf("\nTime entries: %d\n", entries)
		fmt.Printf("Violations:   %d (%d open)\n", total, open)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
