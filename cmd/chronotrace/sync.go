package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronotrace/chronotrace/internal/store"
	"github.com/chronotrace/chronotrace/internal/syncer"
	"github.com/chronotrace/chronotrace/internal/tracker"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the tracker's collections into the local store",
	Long: `Fetch users, projects, issues and time entries from the tracker and
upsert them into the local database.

By default this is an incremental sync: only records updated since the
last successful pass (widened by the configured overlap) are fetched.
With --full everything is fetched and local records that no longer exist
remotely are removed, except users with history, which are locked.`,
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")

		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		client, err := tracker.New(cfg.Tracker.ClientConfig())
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		s := syncer.New(client, db, cfg.Sync, logger)

		var summary *syncer.Summary
		if full {
			summary, err = s.RunFullSync(ctx)
		} else {
			summary, err = s.RunIncrementalSync(ctx)
		}
		if err != nil {
			fatalf("sync failed: %v", err)
		}

		for _, entity := range store.SyncOrder {
			result := summary.Results[entity]
			if result == nil {
				continue
			}
			line := fmt.Sprintf("%-12s %d synced", entity, result.Synced)
			if result.Errors > 0 {
				line += fmt.Sprintf(", %d errors", result.Errors)
			}
			if result.Deleted > 0 {
				line += fmt.Sprintf(", %d removed", result.Deleted)
			}
			fmt.Println(line)
		}
		fmt.Printf("Done in %s\n", summary.Duration.Round(time.Millisecond))
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "Full sync with deletion reconciliation")
	rootCmd.AddCommand(syncCmd)
}
