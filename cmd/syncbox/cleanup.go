package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/crewly/syncbox/internal/ui"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reclaim storage from expired cache and old synced changes",
	Long: `Remove expired cache entries and synced changes older than the
retention window. Pending and failed changes are never touched.

The cutoff comes from retention_days in the config, overridden by
--retention-days, or by --before with a natural-language time:

  syncbox cleanup --before "last monday"
  syncbox cleanup --before "2 weeks ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if days, _ := cmd.Flags().GetInt("retention-days"); cmd.Flags().Changed("retention-days") {
			cfg.RetentionDays = days
		}

		retention := cfg.Retention()

		if before, _ := cmd.Flags().GetString("before"); before != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)

			result, err := w.Parse(before, time.Now())
			if err != nil || result == nil {
				fmt.Fprintf(os.Stderr, "Error: cannot parse --before %q\n", before)
				os.Exit(1)
			}
			retention = time.Since(result.Time)
			if retention < 0 {
				fmt.Fprintf(os.Stderr, "Error: --before %q is in the future\n", before)
				os.Exit(1)
			}
		}

		eng := openEngine(cfg)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stats, err := eng.Quota().Cleanup(ctx, retention)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during cleanup: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Cleanup complete\n", ui.Success("✓"))
		fmt.Printf("   Expired cache entries: %d\n", stats.ExpiredSwept)
		fmt.Printf("   Synced changes reaped: %d\n", stats.SyncedRemoved)
	},
}

func init() {
	cleanupCmd.Flags().Int("retention-days", 0, "Override the configured retention window")
	cleanupCmd.Flags().String("before", "", "Reap synced changes older than this point in time")
	rootCmd.AddCommand(cleanupCmd)
}
