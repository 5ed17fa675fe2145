package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewly/syncbox/internal/outbox"
	"github.com/crewly/syncbox/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state, queue depths and storage usage",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		state, err := eng.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.Header("Sync"))
		fmt.Printf("   Phase:   %s\n", ui.Status(string(state.Phase)))
		if !state.LastDrain.IsZero() {
			fmt.Printf("   Last:    %s\n", state.LastDrain.Local().Format(time.RFC822))
		}
		if state.LastError != "" {
			fmt.Printf("   Error:   %s\n", ui.Error(state.LastError))
		}
		fmt.Printf("   Pending: %s\n", ui.Warn(fmt.Sprintf("%d", state.Pending)))
		fmt.Printf("   Failed:  %s\n", ui.Error(fmt.Sprintf("%d", state.Failed)))

		snap := eng.Quota().SnapshotUsage(ctx)
		fmt.Println(ui.Header("Storage"))
		if snap.Unknown() {
			fmt.Printf("   %s\n", ui.Muted("usage unknown"))
		} else {
			fmt.Printf("   Used:      %s\n", formatBytes(snap.UsageBytes))
			fmt.Printf("   Available: %s\n", formatBytes(snap.AvailableBytes))
		}

		showFailed, _ := cmd.Flags().GetBool("failed")
		if showFailed && state.Failed > 0 {
			changes, err := eng.Outbox().List(ctx, outbox.StatusFailed)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing failed changes: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(ui.Header("Failed changes"))
			for _, ch := range changes {
				fmt.Printf("   %s %s (%d attempts)\n", ui.Accent(ch.ID), ch.ChangeType, ch.RetryCount)
				if ch.LastError != "" {
					fmt.Printf("      %s\n", ui.Muted(ch.LastError))
				}
			}
		}
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	statusCmd.Flags().Bool("failed", false, "List failed changes with their last errors")
	rootCmd.AddCommand(statusCmd)
}
