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

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/rules"
	"github.com/chronotrace/chronotrace/internal/store"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the compliance rules against the local mirror",
	Long: `Evaluate all seven compliance rules against the synced data and
materialize the findings into the violation ledger.

Checks run against whatever is in the local store; run 'chronotrace sync'
first if the mirror is stale. Re-running with unchanged data is
idempotent: existing violations are refreshed, not duplicated.

Use --as-of to evaluate the rules as of a past date (YYYY-MM-DD).`,
	Run: func(cmd *cobra.Command, args []string) {
		asOfRaw, _ := cmd.Flags().GetString("as-of")

		asOf := time.Now().UTC()
		if asOfRaw != "" {
			parsed, err := time.Parse(store.DateOnly, asOfRaw)
			if err != nil {
				fatalf("invalid --as-of date %q, want YYYY-MM-DD", asOfRaw)
			}
			asOf = parsed
		}

		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger := log.New(os.Stderr, "[rules] ", log.LstdFlags)
		engine := rules.New(db, config.NewStore(cfg.Rules), logger)

		report, err := engine.RunChecks(ctx, asOf)
		if err != nil {
			fatalf("compliance pass failed: %v", err)
		}

		byType := make(map[store.ViolationType]int)
		for _, v := range report.Violations {
			byType[v.Type]++
		}

		fmt.Printf("Compliance pass as of %s: %d violations\n",
			report.AsOf.Format(store.DateOnly), len(report.Violations))
		for typ, count := range byType {
			fmt.Printf("  %-15s %d\n", typ, count)
		}
	},
}

func init() {
	checkCmd.Flags().String("as-of", "", "Evaluation date (YYYY-MM-DD, default: today)")
	rootCmd.AddCommand(checkCmd)
}
