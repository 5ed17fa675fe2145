package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/crewly/syncbox/internal/outbox"
	"github.com/crewly/syncbox/internal/ui"
)

var retryCmd = &cobra.Command{
	Use:   "retry [change-id...]",
	Short: "Resubmit failed changes for delivery",
	Long: `Move failed changes back to the pending queue so the next sync
attempts them again with a fresh retry budget.

With no arguments on a terminal, presents a picker of failed changes.
Use --all to resubmit everything.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ids := args
		all, _ := cmd.Flags().GetBool("all")

		if len(ids) == 0 {
			failed, err := eng.Outbox().List(ctx, outbox.StatusFailed)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing failed changes: %v\n", err)
				os.Exit(1)
			}
			if len(failed) == 0 {
				fmt.Println("No failed changes")
				return
			}

			switch {
			case all:
				for _, ch := range failed {
					ids = append(ids, ch.ID)
				}
			case term.IsTerminal(int(os.Stdin.Fd())):
				ids = pickFailed(failed)
			default:
				fmt.Fprintf(os.Stderr, "Error: no change ids given (use --all, or run interactively)\n")
				os.Exit(1)
			}
		}

		for _, id := range ids {
			if err := eng.Outbox().Resubmit(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Error resubmitting %s: %v\n", id, err)
				os.Exit(1)
			}
			fmt.Printf("%s Resubmitted %s\n", ui.Success("✓"), ui.Accent(id))
		}

		if len(ids) > 0 {
			fmt.Println("Run \"syncbox sync\" to attempt delivery now")
		}
	},
}

// pickFailed presents an interactive picker over failed changes.
func pickFailed(failed []outbox.Change) []string {
	options := make([]huh.Option[string], 0, len(failed))
	for _, ch := range failed {
		label := fmt.Sprintf("%s  %s (%d attempts)", ch.ID, ch.ChangeType, ch.RetryCount)
		if ch.LastError != "" {
			label += "  " + ch.LastError
		}
		options = append(options, huh.NewOption(label, ch.ID))
	}

	var selected []string
	form := huh.NewForm(huh.NewGroup(
		huh.NewMultiSelect[string]().
			Title("Failed changes to resubmit").
			Options(options...).
			Value(&selected),
	))
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return selected
}

func init() {
	retryCmd.Flags().Bool("all", false, "Resubmit every failed change")
	rootCmd.AddCommand(retryCmd)
}
