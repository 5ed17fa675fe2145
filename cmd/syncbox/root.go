package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/crewly/syncbox/internal/config"
	"github.com/crewly/syncbox/internal/engine"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncbox",
	Short: "Offline cache and change queue for crew scheduling clients",
	Long: `syncbox keeps a local cache of server data and a durable queue of
changes made while offline, and delivers those changes to the server
when connectivity allows.

State lives in a local SQLite database. Configuration is read from
--config, falling back to ` + "~/.syncbox/config.yaml" + ` when present,
and SYNCBOX_* environment variables override file values.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default ~/.syncbox/config.yaml)")
	rootCmd.AddCommand(initCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".syncbox", "config.yaml")
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() config.Config {
	path := configPath
	if path == "" {
		if def := defaultConfigPath(); def != "" {
			if _, err := os.Stat(def); err == nil {
				path = def
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openEngine opens the engine for a one-shot command.
func openEngine(cfg config.Config) *engine.Engine {
	eng, err := engine.New(cfg, engine.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	return eng
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath
		if path == "" {
			path = defaultConfigPath()
		}
		if path == "" {
			fmt.Fprintf(os.Stderr, "Error: cannot determine config path, pass --config\n")
			os.Exit(1)
		}

		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
	},
}
