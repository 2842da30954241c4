package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/store"
)

var (
	cfgFile string
	dbPath  string
)

var rootCmd = &cobra.Command{
	Use:   "chronotrace",
	Short: "Time-logging compliance monitor for issue trackers",
	Long: `chronotrace mirrors an issue tracker's users, projects, issues and
time entries into a local SQLite store, runs a set of compliance rules
over the logged time, and maintains a violation ledger with per-user
compliance scores.

Typical usage:
  chronotrace sync --full        # initial mirror of the tracker
  chronotrace check              # run the compliance rules
  chronotrace score              # show per-user scores
  chronotrace serve              # run the background daemon + dashboard`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: ./chronotrace.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the local database (overrides config)")
}

// loadConfig reads the configuration, applying the --db override.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg
}

// openStore opens the local database and ensures the schema exists.
func openStore(cfg *config.Config) *store.DB {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalf("failed to open database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
