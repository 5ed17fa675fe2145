package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewly/syncbox/internal/ui"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <change-type> [json-payload]",
	Short: "Queue a change for delivery",
	Long: `Queue a change for delivery to the server.

The payload is a JSON document given inline or via --file. Examples:

  syncbox enqueue shift.accept '{"shift_id":"s-142"}'
  syncbox enqueue availability.update --file avail.json`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		var payload json.RawMessage
		file, _ := cmd.Flags().GetString("file")
		switch {
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading payload file: %v\n", err)
				os.Exit(1)
			}
			payload = data
		case len(args) == 2:
			payload = json.RawMessage(args[1])
		default:
			payload = json.RawMessage(`{}`)
		}

		if !json.Valid(payload) {
			fmt.Fprintf(os.Stderr, "Error: payload is not valid JSON\n")
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		change, err := eng.Enqueue(ctx, args[0], payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error enqueueing change: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Queued %s (id %s)\n", ui.Success("✓"), change.ChangeType, ui.Accent(change.ID))
	},
}

func init() {
	enqueueCmd.Flags().StringP("file", "f", "", "Read the JSON payload from a file")
	rootCmd.AddCommand(enqueueCmd)
}
