package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewly/syncbox/internal/cache"
	"github.com/crewly/syncbox/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and edit cached server data",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a cached entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		data, err := eng.CacheGet(ctx, args[0])
		if errors.Is(err, cache.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: no live entry for %q\n", args[0])
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(string(data))
	},
}

var cacheSetCmd = &cobra.Command{
	Use:   "set <key> <json>",
	Short: "Write a cached entry",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		payload := json.RawMessage(args[1])
		if !json.Valid(payload) {
			fmt.Fprintf(os.Stderr, "Error: value is not valid JSON\n")
			os.Exit(1)
		}

		ttl, _ := cmd.Flags().GetDuration("ttl")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := eng.CacheSet(ctx, args[0], payload, ttl); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cached %s\n", ui.Success("✓"), ui.Accent(args[0]))
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <key>",
	Short: "Drop a cached entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := eng.CacheInvalidate(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Invalidated %s\n", ui.Success("✓"), ui.Accent(args[0]))
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live cache entries",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entries, err := eng.Cache().List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("Cache is empty")
			return
		}
		for _, entry := range entries {
			line := fmt.Sprintf("%s  %d bytes", ui.Accent(entry.Key), len(entry.Data))
			if entry.ExpiresAt != nil {
				line += "  expires " + entry.ExpiresAt.Local().Format(time.RFC822)
			}
			fmt.Println(line)
		}
	},
}

func init() {
	cacheSetCmd.Flags().Duration("ttl", 0, "Time to live; 0 keeps the entry until invalidated")
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheSetCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	cacheCmd.AddCommand(cacheListCmd)
	rootCmd.AddCommand(cacheCmd)
}
