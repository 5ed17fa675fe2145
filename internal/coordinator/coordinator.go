// Package coordinator drives delivery of queued offline changes to the
// remote authority.
//
// A drain is one pass over the pending queue in creation order. Drains
// are serialized by an atomic flag: at most one runs at a time, and a
// SyncNow arriving mid-drain coalesces into a no-op instead of queueing,
// so no entry is ever attempted twice concurrently. Enqueue stays
// lock-free; the flag guards only the drain itself.
//
// Per-entry outcomes flow back into the outbox, which owns the status
// state machine; the coordinator never caches delivery state outside the
// store.
package coordinator

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewly/syncbox/internal/outbox"
	"github.com/crewly/syncbox/internal/quota"
	"github.com/crewly/syncbox/internal/remote"
)

// Phase of the coordinator, as surfaced to the UI.
type Phase string

const (
	// PhaseIdle means no drain is running.
	PhaseIdle Phase = "idle"
	// PhaseDraining means a drain pass is in progress.
	PhaseDraining Phase = "draining"
)

// State is a point-in-time status report.
type State struct {
	Phase     Phase     `json:"phase"`
	LastDrain time.Time `json:"last_drain,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Pending   int       `json:"pending"`
	Failed    int       `json:"failed"`
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Deferred  int           `json:"deferred"`
	Failed    int           `json:"failed"`
	Rejected  int           `json:"rejected"`
	Coalesced bool          `json:"coalesced,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// EventType identifies a coordinator event.
type EventType string

const (
	// EventChangeSynced fires when the authority confirms a change.
	EventChangeSynced EventType = "change_synced"
	// EventChangeFailed fires on a transient delivery failure.
	EventChangeFailed EventType = "change_failed"
	// EventChangeRejected fires when the authority permanently rejects
	// a change.
	EventChangeRejected EventType = "change_rejected"
	// EventDrainComplete fires at the end of every non-coalesced drain.
	EventDrainComplete EventType = "drain_complete"
	// EventCleanupComplete fires after a scheduled cleanup pass.
	EventCleanupComplete EventType = "cleanup_complete"
)

// Event is delivered to the configured EventFunc. Exactly one of Change
// and Report is meaningful depending on Type.
type Event struct {
	Type       EventType
	ChangeID   string
	ChangeType string
	Err        string
	Report     *DrainReport
	Cleanup    *quota.CleanupStats
}

// EventFunc observes coordinator events. Called synchronously; keep it
// fast.
type EventFunc func(Event)

// Config tunes the coordinator.
type Config struct {
	// Interval between scheduled drains.
	Interval time.Duration

	// CleanupInterval between scheduled cleanup passes; 0 disables the
	// cleanup timer.
	CleanupInterval time.Duration

	// Retention for synced changes during scheduled cleanup.
	Retention time.Duration

	// Invalidate maps a change's type to the cache keys a successful
	// sync makes stale. Optional.
	Invalidate func(change outbox.Change) []string

	// Events observes drain activity. Optional.
	Events EventFunc

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		CleanupInterval: 15 * time.Minute,
		Retention:       quota.DefaultRetention,
	}
}

// Invalidator is the cache surface the coordinator needs after a
// successful sync. Satisfied by *cache.Table.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// Coordinator drains the outbox against the remote authority.
type Coordinator struct {
	outbox *outbox.Queue
	client remote.Client
	cache  Invalidator
	quota  *quota.Monitor
	config Config
	logger *log.Logger

	// draining is the drain-in-progress flag; see package comment.
	draining atomic.Bool

	mu        sync.Mutex
	lastDrain time.Time
	lastError string

	now func() time.Time
}

// New creates a coordinator. cache and q may be nil when invalidation or
// scheduled cleanup is not wanted; zero config fields fall back to
// DefaultConfig.
func New(ob *outbox.Queue, client remote.Client, cache Invalidator, q *quota.Monitor, config Config) *Coordinator {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[drain] ", log.LstdFlags)
	}

	return &Coordinator{
		outbox: ob,
		client: client,
		cache:  cache,
		quota:  q,
		config: config,
		logger: config.Logger,
		now:    time.Now,
	}
}

// Run blocks until ctx is cancelled, draining on the configured interval
// and running cleanup on its own schedule.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Printf("Coordinator running (drain every %s)", c.config.Interval)

	drainTicker := time.NewTicker(c.config.Interval)
	defer drainTicker.Stop()

	var cleanupC <-chan time.Time
	if c.config.CleanupInterval > 0 && c.quota != nil {
		cleanupTicker := time.NewTicker(c.config.CleanupInterval)
		defer cleanupTicker.Stop()
		cleanupC = cleanupTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Println("Coordinator stopped")
			return ctx.Err()

		case <-drainTicker.C:
			if _, err := c.Drain(ctx); err != nil && !errors.Is(err, ctx.Err()) {
				c.logger.Printf("Scheduled drain error: %v", err)
			}

		case <-cleanupC:
			stats, err := c.quota.Cleanup(ctx, c.config.Retention)
			if err != nil {
				c.logger.Printf("Scheduled cleanup error: %v", err)
				continue
			}
			c.emit(Event{Type: EventCleanupComplete, Cleanup: &stats})
		}
	}
}

// Status returns the current state, including live pending/failed counts
// read from the store.
func (c *Coordinator) Status(ctx context.Context) (State, error) {
	pending, failed, _, err := c.outbox.Counts(ctx)
	if err != nil {
		return State{}, err
	}

	phase := PhaseIdle
	if c.draining.Load() {
		phase = PhaseDraining
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Phase:     phase,
		LastDrain: c.lastDrain,
		LastError: c.lastError,
		Pending:   pending,
		Failed:    failed,
	}, nil
}

// Drain runs one pass over the pending queue in FIFO order. If a drain
// is already in progress the call coalesces: it returns immediately with
// Coalesced set and performs no remote calls.
//
// Cancelling ctx aborts only the in-flight attempt; changes already
// marked synced stay synced.
func (c *Coordinator) Drain(ctx context.Context) (DrainReport, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return DrainReport{Coalesced: true}, nil
	}
	defer c.draining.Store(false)

	start := c.now()
	report := DrainReport{}

	pending, err := c.outbox.List(ctx, outbox.StatusPending)
	if err != nil {
		c.recordError(err)
		return report, err
	}

	var firstErr error
	for _, change := range pending {
		if ctx.Err() != nil {
			// Abort between entries; confirmed syncs are not rolled
			// back.
			firstErr = ctx.Err()
			break
		}

		if change.NotBefore.After(c.now()) {
			report.Deferred++
			continue
		}

		report.Attempted++
		sendErr := c.client.Send(ctx, change.ChangeType, change.Payload)

		switch {
		case sendErr == nil:
			if err := c.outbox.MarkSynced(ctx, change.ID); err != nil {
				c.recordError(err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			report.Synced++
			c.invalidateFor(ctx, change)
			c.emit(Event{Type: EventChangeSynced, ChangeID: change.ID, ChangeType: change.ChangeType})

		case remote.IsPermanent(sendErr):
			if err := c.outbox.MarkRejected(ctx, change.ID, sendErr); err != nil {
				c.recordError(err)
			}
			report.Rejected++
			c.recordError(sendErr)
			c.emit(Event{Type: EventChangeRejected, ChangeID: change.ID, ChangeType: change.ChangeType, Err: sendErr.Error()})

		default:
			if err := c.outbox.MarkFailed(ctx, change.ID, sendErr); err != nil {
				c.recordError(err)
			}
			report.Failed++
			c.recordError(sendErr)
			c.emit(Event{Type: EventChangeFailed, ChangeID: change.ID, ChangeType: change.ChangeType, Err: sendErr.Error()})
		}
	}

	report.Duration = c.now().Sub(start)

	c.mu.Lock()
	c.lastDrain = c.now()
	c.mu.Unlock()

	if report.Attempted > 0 {
		c.logger.Printf("Drain complete: attempted=%d synced=%d failed=%d rejected=%d deferred=%d",
			report.Attempted, report.Synced, report.Failed, report.Rejected, report.Deferred)
	}
	c.emit(Event{Type: EventDrainComplete, Report: &report})

	return report, firstErr
}

// invalidateFor drops the cache keys a confirmed change makes stale.
func (c *Coordinator) invalidateFor(ctx context.Context, change outbox.Change) {
	if c.cache == nil || c.config.Invalidate == nil {
		return
	}
	for _, key := range c.config.Invalidate(change) {
		if err := c.cache.Invalidate(ctx, key); err != nil {
			c.logger.Printf("Warning: failed to invalidate %s after sync: %v", key, err)
		}
	}
}

func (c *Coordinator) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

func (c *Coordinator) emit(ev Event) {
	if c.config.Events != nil {
		c.config.Events(ev)
	}
}
