package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chronotrace/chronotrace/internal/daemon"
	"github.com/chronotrace/chronotrace/internal/dashboard"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background daemon with the monitoring dashboard",
	Long: `Run chronotrace as a long-lived service.

The daemon:
  1. Syncs incrementally and runs the compliance rules every sync_interval
  2. Runs a full, deletion-reconciling sync every full_sync_interval
  3. Reloads rule thresholds when the config file changes on disk

The dashboard serves a WebSocket feed of sync and check events plus an
HTTP API for status, violations, scores and manual triggers:

  ws://localhost:<port>/ws
  GET  /api/status
  GET  /api/violations
  POST /api/violations/{id}/resolve
  GET  /api/scores
  POST /api/sync/full
  POST /api/sync/incremental
  POST /api/checks/run`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		var logOut io.Writer = os.Stderr
		if cfg.Daemon.LogFile != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.Daemon.LogFile,
				MaxSize:    50, // megabytes
				MaxBackups: 3,
				MaxAge:     30, // days
				Compress:   true,
			}
		}

		daemonLogger := log.New(logOut, "[daemon] ", log.LstdFlags)
		dashLogger := log.New(logOut, "[dashboard] ", log.LstdFlags)

		d, err := daemon.New(cfgFile, cfg, db, daemonLogger)
		if err != nil {
			fatalf("%v", err)
		}

		server := dashboard.NewServer(&dashboard.Config{
			Port:   cfg.Daemon.DashboardPort,
			Logger: dashLogger,
		}, db, d, d.Engine())

		d.SetEvents(dashboard.NewHandler(server, dashLogger))

		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}

		fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n",
			cfg.Daemon.DashboardPort, cfg.Daemon.DashboardPort)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			_ = server.Stop()
			fatalf("daemon failed: %v", err)
		}

		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
