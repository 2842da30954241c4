package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chronotrace/chronotrace/internal/store"
)

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "Inspect and resolve compliance violations",
}

var violationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List violations from the ledger",
	Run: func(cmd *cobra.Command, args []string) {
		userID, _ := cmd.Flags().GetInt64("user")
		typ, _ := cmd.Flags().GetString("type")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ctx := context.Background()

		violations, err := db.ListViolations(ctx, store.ViolationFilter{
			UserID: userID,
			Type:   store.ViolationType(typ),
			Status: store.ViolationStatus(status),
			Limit:  limit,
		})
		if err != nil {
			fatalf("failed to list violations: %v", err)
		}

		if len(violations) == 0 {
			fmt.Println("No violations found")
			return
		}

		fmt.Printf("%-6s %-10s %-15s %-12s %-8s %s\n",
			"ID", "USER", "TYPE", "DATE", "SEVERITY", "STATUS")
		for _, v := range violations {
			fmt.Printf("%-6d %-10d %-15s %-12s %-8s %s\n",
				v.ID, v.UserID, v.Type, v.Date.Format(store.DateOnly), v.Severity, v.Status)
		}
	},
}

var violationsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a violation as resolved",
	Long: `Mark a violation as resolved. A later compliance pass that re-detects
the same breach reopens it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatalf("invalid violation id %q", args[0])
		}

		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		if err := db.ResolveViolation(context.Background(), id); err != nil {
			fatalf("failed to resolve violation %d: %v", id, err)
		}
		fmt.Printf("Violation %d resolved\n", id)
	},
}

func init() {
	violationsListCmd.Flags().Int64("user", 0, "Filter by local user id")
	violationsListCmd.Flags().String("type", "", "Filter by violation type")
	violationsListCmd.Flags().String("status", "", "Filter by status (open, resolved)")
	violationsListCmd.Flags().Int("limit", 50, "Maximum rows to show")

	violationsCmd.AddCommand(violationsListCmd)
	violationsCmd.AddCommand(violationsResolveCmd)
	rootCmd.AddCommand(violationsCmd)
}
