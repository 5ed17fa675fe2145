package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewly/syncbox/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the outbox now",
	Long: `Attempt delivery of every due pending change, oldest first.

Transient failures stay queued with backoff; permanent rejections and
exhausted retries land in the failed list (see "syncbox retry").`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		fmt.Printf("%s Syncing to %s...\n", ui.Accent("→"), cfg.RemoteURL)

		report, err := eng.SyncNow(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		if report.Coalesced {
			fmt.Println("A sync is already in progress")
			return
		}

		fmt.Printf("%s Sync complete in %v\n", ui.Success("✓"), report.Duration.Round(time.Millisecond))
		fmt.Printf("   Synced:   %d\n", report.Synced)
		if report.Deferred > 0 {
			fmt.Printf("   Deferred: %d (waiting on backoff)\n", report.Deferred)
		}
		if report.Failed > 0 {
			fmt.Printf("   %s   %d\n", ui.Warn("Failed:"), report.Failed)
		}
		if report.Rejected > 0 {
			fmt.Printf("   %s %d\n", ui.Error("Rejected:"), report.Rejected)
		}
	},
}

func init() {
	syncCmd.Flags().Duration("timeout", 2*time.Minute, "Overall sync timeout")
	rootCmd.AddCommand(syncCmd)
}
