// Package daemon runs the background syncbox process.
//
// The daemon:
// 1. Drains the outbox on a schedule and on connectivity regained
// 2. Watches a drop directory for change files to enqueue
// 3. Serves status, export and live events over HTTP/WebSocket
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crewly/syncbox/internal/config"
	"github.com/crewly/syncbox/internal/engine"
	"github.com/crewly/syncbox/internal/remote"
	"github.com/crewly/syncbox/internal/statusd"
)

// Options holds daemon tuning.
type Options struct {
	// DebounceInterval is how long a drop file must sit quiet before it
	// is ingested. Batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon owns the engine and its background collaborators.
type Daemon struct {
	config config.Config
	opts   Options

	engine   *engine.Engine
	server   *statusd.Server
	notifier *remote.Notifier

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New assembles a daemon from configuration. Use Start to run it.
func New(cfg config.Config, opts Options) (*Daemon, error) {
	if opts.Logger == nil {
		opts.Logger = DefaultOptions().Logger
	}
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = DefaultOptions().DebounceInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:      cfg,
		opts:        opts,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
		logger:      opts.Logger,
	}

	if cfg.ListenAddr != "" {
		d.server = statusd.NewServer(statusd.Config{
			Addr: cfg.ListenAddr,
			Status: func(ctx context.Context) (interface{}, error) {
				return d.engine.Status(ctx)
			},
			Export: func(ctx context.Context) (interface{}, error) {
				return d.engine.Snapshot(ctx)
			},
			Logger: opts.Logger,
		})
	}

	engOpts := engine.Options{Logger: opts.Logger}
	if d.server != nil {
		engOpts.Events = d.server.EventBridge()
	}

	eng, err := engine.New(cfg, engOpts)
	if err != nil {
		cancel()
		return nil, err
	}
	d.engine = eng

	if cfg.EventsURL != "" {
		d.notifier = remote.NewNotifier(remote.NotifierConfig{
			URL:    cfg.EventsURL,
			Logger: opts.Logger,
		})
	}

	if cfg.DropDir != "" {
		if err := os.MkdirAll(cfg.DropDir, 0755); err != nil {
			eng.Close()
			cancel()
			return nil, fmt.Errorf("failed to create drop directory: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			eng.Close()
			cancel()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}

	return d, nil
}

// Engine returns the daemon's engine.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// ServerAddr returns the status server's bound address, or "" when the
// server is disabled.
func (d *Daemon) ServerAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

// Start runs the daemon. Blocks until ctx is cancelled or Stop is
// called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("failed to start status server: %w", err)
		}
	}

	// Ingest anything already sitting in the drop directory, then watch
	// for new files.
	if d.watcher != nil {
		if err := d.ingestExisting(); err != nil {
			d.logger.Printf("Warning: initial drop scan failed: %v", err)
		}
		if err := d.watcher.Add(d.config.DropDir); err != nil {
			return fmt.Errorf("failed to watch drop directory: %w", err)
		}
		d.logger.Printf("Watching: %s", d.config.DropDir)

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	if d.config.RemoteURL != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.engine.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Printf("Sync loop stopped: %v", err)
			}
		}()
	}

	if d.notifier != nil {
		d.wg.Add(2)
		go func() {
			defer d.wg.Done()
			_ = d.notifier.Run(d.ctx)
		}()
		go d.syncOnReconnect()
	}

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()

	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Printf("Error stopping status server: %v", err)
		}
	}

	if err := d.engine.Close(); err != nil {
		d.logger.Printf("Error closing engine: %v", err)
	}

	d.logger.Println("Daemon stopped")
	return nil
}

// syncOnReconnect drains the outbox whenever connectivity returns.
func (d *Daemon) syncOnReconnect() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.notifier.Online():
			d.logger.Println("Connectivity regained, draining outbox")
			ctx, cancel := context.WithTimeout(d.ctx, 2*time.Minute)
			report, err := d.engine.SyncNow(ctx)
			cancel()
			if err != nil {
				d.logger.Printf("Drain after reconnect failed: %v", err)
				continue
			}
			d.logger.Printf("Drain after reconnect: %d synced, %d failed", report.Synced, report.Failed)
		}
	}
}

// ingestExisting enqueues drop files left over from a previous run.
func (d *Daemon) ingestExisting() error {
	paths, err := filepath.Glob(filepath.Join(d.config.DropDir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		d.queueChange(path)
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued drop files with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// dropFile is the expected shape of a drop-directory change file.
type dropFile struct {
	ChangeType string          `json:"change_type"`
	Payload    json.RawMessage `json:"payload"`
}

// processPendingChanges ingests files that have been queued for long
// enough. The queue lock covers only the snapshot, so the watcher can
// keep queueing while files are read and enqueued.
func (d *Daemon) processPendingChanges() {
	for _, path := range d.takeDue(time.Now()) {
		if err := d.ingestFile(path); err != nil {
			d.logger.Printf("Error ingesting %s: %v", path, err)
			// Park the file so it is not retried forever.
			if renameErr := os.Rename(path, path+".rejected"); renameErr != nil && !os.IsNotExist(renameErr) {
				d.logger.Printf("Error parking %s: %v", path, renameErr)
			}
		}
	}
}

// takeDue removes and returns the paths whose debounce window has
// passed at instant now.
func (d *Daemon) takeDue(now time.Time) []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	var due []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.opts.DebounceInterval {
			continue
		}
		due = append(due, path)
		delete(d.changeQueue, path)
	}
	sort.Strings(due)
	return due
}

// ingestFile enqueues one drop file and removes it on success.
func (d *Daemon) ingestFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted before we got to it.
			return nil
		}
		return fmt.Errorf("failed to read drop file: %w", err)
	}

	var df dropFile
	if err := json.Unmarshal(data, &df); err != nil {
		return fmt.Errorf("failed to parse drop file: %w", err)
	}
	if df.ChangeType == "" {
		return fmt.Errorf("drop file missing change_type")
	}

	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	change, err := d.engine.Enqueue(ctx, df.ChangeType, df.Payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}

	d.logger.Printf("Enqueued %s from %s (id %s)", df.ChangeType, filepath.Base(path), change.ID)
	return os.Remove(path)
}
