package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/crewly/syncbox/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Drains the outbox on a schedule and when connectivity returns
  2. Watches the drop directory for change files to enqueue
  3. Serves status and live events on the configured listen address

Stop with SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if cfg.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			})
		}

		d, err := daemon.New(cfg, daemon.Options{Logger: logger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.ListenAddr != "" {
			fmt.Printf("Status server on %s\n", cfg.ListenAddr)
		}

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
