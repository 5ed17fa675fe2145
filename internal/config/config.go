// Package config loads syncbox configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all syncbox settings.
type Config struct {
	// DBPath is the SQLite database file. Defaults to
	// ~/.syncbox/syncbox.db.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// RemoteURL is the base URL changes are delivered to, e.g.
	// "https://api.example.com". Empty disables delivery.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`

	// EventsURL is the WebSocket endpoint watched for connectivity.
	// Empty disables the online notifier.
	EventsURL string `mapstructure:"events_url" yaml:"events_url"`

	// ListenAddr is where the status server binds. Empty disables it.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// DropDir is watched for *.json change files to enqueue. Empty
	// disables the watcher.
	DropDir string `mapstructure:"drop_dir" yaml:"drop_dir"`

	// LogFile receives daemon logs with rotation. Empty logs to stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`

	SyncInterval    time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`

	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`

	// RetentionDays bounds how long synced changes are kept.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`

	// PendingSoftLimit triggers a warning when the pending queue grows
	// past it. Zero disables the warning.
	PendingSoftLimit int `mapstructure:"pending_soft_limit" yaml:"pending_soft_limit"`

	// Invalidate maps a change type to the cache keys it stales.
	Invalidate map[string][]string `mapstructure:"invalidate" yaml:"invalidate,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return Config{
		DBPath:           filepath.Join(home, ".syncbox", "syncbox.db"),
		ListenAddr:       "127.0.0.1:7723",
		SyncInterval:     30 * time.Second,
		CleanupInterval:  15 * time.Minute,
		BackoffBase:      2 * time.Second,
		BackoffCap:       5 * time.Minute,
		MaxRetries:       5,
		RetentionDays:    30,
		PendingSoftLimit: 1000,
	}
}

// Retention returns the retention window as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads configuration from path, falling back to defaults for
// unset keys. Environment variables prefixed SYNCBOX_ override file
// values. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("remote_url", "")
	v.SetDefault("events_url", "")
	v.SetDefault("drop_dir", "")
	v.SetDefault("log_file", "")
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("sync_interval", def.SyncInterval)
	v.SetDefault("cleanup_interval", def.CleanupInterval)
	v.SetDefault("backoff_base", def.BackoffBase)
	v.SetDefault("backoff_cap", def.BackoffCap)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("retention_days", def.RetentionDays)
	v.SetDefault("pending_soft_limit", def.PendingSoftLimit)

	v.SetEnvPrefix("SYNCBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff_cap %s is less than backoff_base %s", c.BackoffCap, c.BackoffBase)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative, got %d", c.RetentionDays)
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating
// parent directories as needed. Fails if the file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	def := Default()
	doc := map[string]interface{}{
		"db_path":            def.DBPath,
		"remote_url":         def.RemoteURL,
		"events_url":         def.EventsURL,
		"listen_addr":        def.ListenAddr,
		"drop_dir":           def.DropDir,
		"log_file":           def.LogFile,
		"sync_interval":      def.SyncInterval.String(),
		"cleanup_interval":   def.CleanupInterval.String(),
		"backoff_base":       def.BackoffBase.String(),
		"backoff_cap":        def.BackoffCap.String(),
		"max_retries":        def.MaxRetries,
		"retention_days":     def.RetentionDays,
		"pending_soft_limit": def.PendingSoftLimit,
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
