// Package engine wires the durable store, cache, outbox, quota monitor
// and sync coordinator into a single handle the CLI and daemon share.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/crewly/syncbox/internal/cache"
	"github.com/crewly/syncbox/internal/config"
	"github.com/crewly/syncbox/internal/coordinator"
	"github.com/crewly/syncbox/internal/outbox"
	"github.com/crewly/syncbox/internal/quota"
	"github.com/crewly/syncbox/internal/remote"
	"github.com/crewly/syncbox/internal/store"
)

// Options control optional engine collaborators.
type Options struct {
	// Client delivers changes to the remote. When nil and
	// Config.RemoteURL is set, an HTTP client is built from it.
	Client remote.Client

	// Events receives sync lifecycle events.
	Events coordinator.EventFunc

	// Logger for engine activity. Defaults to stderr.
	Logger *log.Logger
}

// Engine owns the local persistence stack and the sync coordinator.
type Engine struct {
	config config.Config

	store  *store.Store
	cache  *cache.Table
	outbox *outbox.Queue
	quota  *quota.Monitor
	coord  *coordinator.Coordinator

	logger *log.Logger
}

// New opens the database at cfg.DBPath and assembles the engine.
func New(cfg config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ct := cache.New(st, logger)

	obConfig := outbox.DefaultConfig()
	obConfig.MaxRetries = cfg.MaxRetries
	obConfig.BackoffBase = cfg.BackoffBase
	obConfig.BackoffCap = cfg.BackoffCap
	obConfig.PendingSoftLimit = cfg.PendingSoftLimit
	ob := outbox.New(st, obConfig, logger)

	qm := quota.New(st, ct, ob, logger)

	client := opts.Client
	if client == nil && cfg.RemoteURL != "" {
		client, err = remote.NewHTTPClient(cfg.RemoteURL, 15*time.Second, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to build remote client: %w", err)
		}
	}

	e := &Engine{
		config: cfg,
		store:  st,
		cache:  ct,
		outbox: ob,
		quota:  qm,
		logger: logger,
	}

	if client != nil {
		coordConfig := coordinator.DefaultConfig()
		coordConfig.Interval = cfg.SyncInterval
		coordConfig.CleanupInterval = cfg.CleanupInterval
		coordConfig.Retention = cfg.Retention()
		coordConfig.Events = opts.Events
		coordConfig.Logger = logger
		if len(cfg.Invalidate) > 0 {
			mapping := cfg.Invalidate
			coordConfig.Invalidate = func(ch outbox.Change) []string {
				return mapping[ch.ChangeType]
			}
		}
		e.coord = coordinator.New(ob, client, ct, qm, coordConfig)
	}

	return e, nil
}

// Close releases the underlying database.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Cache returns the cache table.
func (e *Engine) Cache() *cache.Table { return e.cache }

// Outbox returns the mutation queue.
func (e *Engine) Outbox() *outbox.Queue { return e.outbox }

// Quota returns the quota monitor.
func (e *Engine) Quota() *quota.Monitor { return e.quota }

// CacheSet writes a cache entry, attempting storage relief and a single
// retry when the write fails with a storage fault.
func (e *Engine) CacheSet(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	return e.withRelief(ctx, func() error {
		return e.cache.Set(ctx, key, data, ttl)
	})
}

// CacheGet reads a live cache entry's data.
func (e *Engine) CacheGet(ctx context.Context, key string) (json.RawMessage, error) {
	return e.cache.Get(ctx, key)
}

// CacheInvalidate removes a cache entry.
func (e *Engine) CacheInvalidate(ctx context.Context, key string) error {
	return e.cache.Invalidate(ctx, key)
}

// Enqueue records a change for later delivery, attempting storage
// relief and a single retry when the write fails with a storage fault.
func (e *Engine) Enqueue(ctx context.Context, changeType string, payload json.RawMessage) (outbox.Change, error) {
	var id string
	err := e.withRelief(ctx, func() error {
		var err error
		id, err = e.outbox.Enqueue(ctx, changeType, payload)
		return err
	})
	if err != nil {
		return outbox.Change{}, err
	}
	return e.outbox.Get(ctx, id)
}

// userDataCollection holds opaque application blobs outside the cache's
// TTL logic. Never swept or evicted.
const userDataCollection = "user_data"

// PutUserData stores an opaque blob under key, with storage relief on
// fault like the other write paths.
func (e *Engine) PutUserData(ctx context.Context, key string, data json.RawMessage) error {
	return e.withRelief(ctx, func() error {
		return e.store.Put(ctx, store.Record{
			Collection: userDataCollection,
			Key:        key,
			Value:      data,
		})
	})
}

// GetUserData reads an opaque blob. Returns store.ErrNotFound when
// absent.
func (e *Engine) GetUserData(ctx context.Context, key string) (json.RawMessage, error) {
	rec, err := e.store.Get(ctx, userDataCollection, key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// DeleteUserData removes an opaque blob. Deleting an absent key is a
// no-op.
func (e *Engine) DeleteUserData(ctx context.Context, key string) error {
	return e.store.Delete(ctx, userDataCollection, key)
}

// withRelief runs fn and, if it fails with a storage fault, frees
// expendable data and retries once.
func (e *Engine) withRelief(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !store.IsFault(err) {
		return err
	}

	e.logger.Printf("Storage fault, attempting relief: %v", err)
	if _, relErr := e.quota.Relief(ctx); relErr != nil {
		e.logger.Printf("Storage relief failed: %v", relErr)
		return err
	}
	return fn()
}

// SyncNow drains the outbox immediately.
func (e *Engine) SyncNow(ctx context.Context) (coordinator.DrainReport, error) {
	if e.coord == nil {
		return coordinator.DrainReport{}, fmt.Errorf("no remote configured (set remote_url)")
	}
	return e.coord.Drain(ctx)
}

// Run starts periodic sync and cleanup, blocking until ctx is done.
// Requires a configured remote.
func (e *Engine) Run(ctx context.Context) error {
	if e.coord == nil {
		return fmt.Errorf("no remote configured (set remote_url)")
	}
	return e.coord.Run(ctx)
}

// Status reports the coordinator state and queue depths.
func (e *Engine) Status(ctx context.Context) (coordinator.State, error) {
	if e.coord != nil {
		return e.coord.Status(ctx)
	}

	pending, failed, _, err := e.outbox.Counts(ctx)
	if err != nil {
		return coordinator.State{}, err
	}
	return coordinator.State{
		Phase:   coordinator.PhaseIdle,
		Pending: pending,
		Failed:  failed,
	}, nil
}

// Cleanup reclaims expired cache entries and old synced changes using
// the configured retention window.
func (e *Engine) Cleanup(ctx context.Context) (quota.CleanupStats, error) {
	return e.quota.Cleanup(ctx, e.config.Retention())
}

// Counts summarizes queue depths by status.
type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
}

// Export is a full diagnostic snapshot of local state.
type Export struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Quota       quota.Snapshot  `json:"quota"`
	Counts      Counts          `json:"counts"`
	Cache       []cache.Entry   `json:"cache"`
	Changes     []outbox.Change `json:"changes"`
}

// Snapshot gathers an Export of current local state.
func (e *Engine) Snapshot(ctx context.Context) (Export, error) {
	snap := e.quota.SnapshotUsage(ctx)

	pending, failed, synced, err := e.outbox.Counts(ctx)
	if err != nil {
		return Export{}, fmt.Errorf("failed to count changes: %w", err)
	}

	entries, err := e.cache.List(ctx)
	if err != nil {
		return Export{}, fmt.Errorf("failed to list cache: %w", err)
	}

	changes, err := e.outbox.List(ctx, "")
	if err != nil {
		return Export{}, fmt.Errorf("failed to list changes: %w", err)
	}

	return Export{
		GeneratedAt: time.Now().UTC(),
		Quota:       snap,
		Counts:      Counts{Pending: pending, Failed: failed, Synced: synced},
		Cache:       entries,
		Changes:     changes,
	}, nil
}
