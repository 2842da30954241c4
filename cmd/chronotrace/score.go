package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/rules"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Show per-user compliance scores",
	Long: `Compute and display the 0-100 compliance score for every active user.

Scores are derived from open violations: each deducts a penalty by
severity (low 2, medium 5, high 10) from a base of 100. Resolved
violations don't count against the score.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ctx := context.Background()

		logger := log.New(os.Stderr, "[rules] ", log.LstdFlags)
		engine := rules.New(db, config.NewStore(cfg.Rules), logger)

		scores, err := engine.ScoreUsers(ctx)
		if err != nil {
			fatalf("failed to score users: %v", err)
		}

		users, err := db.ListActiveUsers(ctx)
		if err != nil {
			fatalf("failed to list users: %v", err)
		}

		// Lowest scores first, they are the ones worth looking at
		sort.Slice(users, func(i, j int) bool {
			si, sj := scores[users[i].ID], scores[users[j].ID]
			if si != sj {
				return si < sj
			}
			return users[i].DisplayName < users[j].DisplayName
		})

		fmt.Printf("%-30s %s\n", "USER", "SCORE")
		for _, u := range users {
			fmt.Printf("%-30s %d\n", u.DisplayName, scores[u.ID])
		}
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)
}
