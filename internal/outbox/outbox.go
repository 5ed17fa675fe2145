// Package outbox implements the durable offline change queue.
//
// Every user mutation made while the remote authority may be unreachable
// is recorded here first and delivered later by the sync coordinator,
// giving at-least-once delivery once connectivity returns. Entries live
// in the "offline_changes" collection with IndexA carrying the creation
// timestamp (FIFO scans) and IndexB carrying the status (per-status
// scans, FIFO within a status).
//
// Status transitions are monotonic and applied inside a store
// transaction: pending -> pending (retry), pending -> failed, or
// pending -> synced. A stale MarkFailed arriving after MarkSynced is a
// no-op, never a regression. Synced and exhausted failed entries are
// terminal until reaped by retention cleanup or explicitly resubmitted.
package outbox

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/crewly/syncbox/internal/store"
)

// Collection is the durable store collection holding offline changes.
const Collection = "offline_changes"

// Status of an offline change.
type Status string

const (
	// StatusPending means the change has not yet been confirmed by the
	// remote authority.
	StatusPending Status = "pending"
	// StatusFailed means delivery was abandoned: either the retry
	// ceiling was exhausted or the authority rejected the change.
	// Terminal until an explicit Resubmit.
	StatusFailed Status = "failed"
	// StatusSynced means the remote authority confirmed the change.
	StatusSynced Status = "synced"
)

var (
	// ErrNotFound is returned when no change exists for the id.
	ErrNotFound = errors.New("offline change not found")

	// ErrNotTerminal is returned by Remove for a pending or failed
	// change. Unsynced user work is never deleted.
	ErrNotTerminal = errors.New("offline change is not synced")

	// ErrNotFailed is returned by Resubmit for a change that is not in
	// the failed state.
	ErrNotFailed = errors.New("offline change is not failed")
)

// Change is a single queued offline mutation. ChangeType names the
// remote operation it represents; the payload is opaque to the engine.
type Change struct {
	ID         string          `json:"id"`
	ChangeType string          `json:"change_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	Status     Status          `json:"status"`

	// LastError holds the most recent delivery error, kept so a failed
	// change can be surfaced to the user with context.
	LastError string `json:"last_error,omitempty"`

	// NotBefore is the earliest instant the next drain may attempt this
	// change again; it encodes the backoff ladder durably.
	NotBefore time.Time `json:"not_before,omitempty"`

	// SyncedAt records when the authority confirmed the change.
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// Config tunes queue behavior.
type Config struct {
	// MaxRetries is the transient-failure ceiling; once RetryCount
	// reaches it the change becomes failed.
	MaxRetries int

	// BackoffBase and BackoffCap bound the retry delay:
	// delay = BackoffBase * 2^retry_count, capped at BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// PendingSoftLimit, when > 0, is the pending-entry count past which
	// Enqueue logs a warning. Enqueue never rejects: dropping a user's
	// mutation is worse than growing the queue.
	PendingSoftLimit int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       5,
		BackoffBase:      2 * time.Second,
		BackoffCap:       5 * time.Minute,
		PendingSoftLimit: 1000,
	}
}

// Queue is the offline change queue layered over a durable store.
type Queue struct {
	store  *store.Store
	config Config
	logger *log.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a queue. Zero-valued config fields fall back to
// DefaultConfig. If logger is nil a default stderr logger is used.
func New(st *store.Store, config Config, logger *log.Logger) *Queue {
	def := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = def.BackoffCap
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Queue{
		store:  st,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue records a new pending change and returns its id. It touches
// only local storage and never blocks on the network.
func (q *Queue) Enqueue(ctx context.Context, changeType string, payload json.RawMessage) (string, error) {
	if changeType == "" {
		return "", fmt.Errorf("change type cannot be empty")
	}

	now := q.now().UTC()
	change := Change{
		ID:         newID(now),
		ChangeType: changeType,
		Payload:    payload,
		CreatedAt:  now,
		Status:     StatusPending,
	}

	rec, err := changeRecord(&change)
	if err != nil {
		return "", err
	}

	if err := q.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to enqueue %s change: %w", changeType, err)
	}

	if q.config.PendingSoftLimit > 0 {
		if pending, err := q.countStatus(ctx, StatusPending); err == nil && pending > q.config.PendingSoftLimit {
			q.logger.Printf("Warning: %d pending changes exceeds soft limit %d", pending, q.config.PendingSoftLimit)
		}
	}

	return change.ID, nil
}

// Get returns a single change by id.
func (q *Queue) Get(ctx context.Context, id string) (Change, error) {
	rec, err := q.store.Get(ctx, Collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Change{}, ErrNotFound
		}
		return Change{}, fmt.Errorf("failed to read change %s: %w", id, err)
	}
	return decodeChange(rec)
}

// List returns changes in created_at (FIFO) order. An empty status
// returns everything; otherwise only changes in that status.
func (q *Queue) List(ctx context.Context, status Status) ([]Change, error) {
	var recs []store.Record
	var err error

	if status == "" {
		recs, err = q.store.Scan(ctx, Collection, store.IndexA, store.Range{})
	} else {
		// IndexB scans order by (status, created_at), so an equality
		// range on status yields that status FIFO.
		recs, err = q.store.Scan(ctx, Collection, store.IndexB,
			store.Range{Min: string(status), Max: string(status)})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	changes := make([]Change, 0, len(recs))
	for _, rec := range recs {
		change, err := decodeChange(rec)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}

	return changes, nil
}

// MarkSynced records delivery confirmation for the change. Idempotent:
// marking an already-synced change is a no-op.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(change *Change) bool {
		if change.Status != StatusPending {
			// Already synced, or failed and awaiting user action; a
			// stale confirmation does not move it.
			return false
		}
		now := q.now().UTC()
		change.Status = StatusSynced
		change.SyncedAt = &now
		change.LastError = ""
		change.NotBefore = time.Time{}
		return true
	})
}

// MarkFailed records a transient delivery failure. The retry count is
// incremented; at the ceiling the change becomes failed (terminal),
// otherwise it stays pending with a backoff window before the next
// attempt. A stale failure arriving after MarkSynced is a no-op.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return q.transition(ctx, id, func(change *Change) bool {
		if change.Status != StatusPending {
			return false
		}
		change.RetryCount++
		if cause != nil {
			change.LastError = cause.Error()
		}
		if change.RetryCount >= q.config.MaxRetries {
			change.Status = StatusFailed
			change.NotBefore = time.Time{}
			q.logger.Printf("Change %s failed after %d attempts: %s", id, change.RetryCount, change.LastError)
		} else {
			change.NotBefore = q.now().UTC().Add(q.backoff(change.RetryCount))
		}
		return true
	})
}

// MarkRejected records a permanent rejection by the remote authority.
// The change goes straight to failed without consuming the retry
// ladder; the original payload is retained for user inspection.
func (q *Queue) MarkRejected(ctx context.Context, id string, cause error) error {
	return q.transition(ctx, id, func(change *Change) bool {
		if change.Status != StatusPending {
			return false
		}
		change.Status = StatusFailed
		change.NotBefore = time.Time{}
		if cause != nil {
			change.LastError = cause.Error()
		}
		q.logger.Printf("Change %s rejected by remote: %s", id, change.LastError)
		return true
	})
}

// Resubmit returns a failed change to the pending state with a fresh
// retry budget. This is the explicit user action behind "retry".
func (q *Queue) Resubmit(ctx context.Context, id string) error {
	found := false
	err := q.store.Update(ctx, func(tx store.Tx) error {
		rec, err := tx.Get(Collection, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		change, err := decodeChange(rec)
		if err != nil {
			return err
		}
		if change.Status != StatusFailed {
			return ErrNotFailed
		}
		change.Status = StatusPending
		change.RetryCount = 0
		change.LastError = ""
		change.NotBefore = time.Time{}
		found = true

		updated, err := changeRecord(&change)
		if err != nil {
			return err
		}
		return tx.Put(updated)
	})
	if err != nil {
		return err
	}
	if found {
		q.logger.Printf("Change %s resubmitted", id)
	}
	return nil
}

// Remove deletes a synced change. Pending or failed changes are refused
// with ErrNotTerminal: deleting unsynced work would silently drop a
// user's mutation. Used only by retention cleanup.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Update(ctx, func(tx store.Tx) error {
		rec, err := tx.Get(Collection, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil // already gone
			}
			return err
		}
		change, err := decodeChange(rec)
		if err != nil {
			return err
		}
		if change.Status != StatusSynced {
			return ErrNotTerminal
		}
		return tx.Delete(Collection, id)
	})
}

// Counts returns the number of changes per status.
func (q *Queue) Counts(ctx context.Context) (pending, failed, synced int, err error) {
	changes, err := q.List(ctx, "")
	if err != nil {
		return 0, 0, 0, err
	}
	for _, change := range changes {
		switch change.Status {
		case StatusPending:
			pending++
		case StatusFailed:
			failed++
		case StatusSynced:
			synced++
		}
	}
	return pending, failed, synced, nil
}

// transition applies fn to the change under a transaction. fn mutates
// the change and reports whether anything changed; returning false makes
// the whole call a no-op (the stale-callback guard).
func (q *Queue) transition(ctx context.Context, id string, fn func(*Change) bool) error {
	return q.store.Update(ctx, func(tx store.Tx) error {
		rec, err := tx.Get(Collection, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		change, err := decodeChange(rec)
		if err != nil {
			return err
		}

		if !fn(&change) {
			return nil
		}

		updated, err := changeRecord(&change)
		if err != nil {
			return err
		}
		return tx.Put(updated)
	})
}

// backoff returns the delay before attempt retry+1.
func (q *Queue) backoff(retry int) time.Duration {
	d := q.config.BackoffBase
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= q.config.BackoffCap {
			return q.config.BackoffCap
		}
	}
	if d > q.config.BackoffCap {
		return q.config.BackoffCap
	}
	return d
}

func (q *Queue) countStatus(ctx context.Context, status Status) (int, error) {
	changes, err := q.List(ctx, status)
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}

// newID builds an identifier that is unique across process restarts and
// sorts in creation order: zero-padded hex nanoseconds plus a random
// suffix to break same-instant ties.
func newID(t time.Time) string {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// the clock so Enqueue cannot.
		return fmt.Sprintf("%016x-%08x", t.UnixNano(), t.Nanosecond())
	}
	return fmt.Sprintf("%016x-%08x", t.UnixNano(), suffix)
}

func changeRecord(change *Change) (store.Record, error) {
	value, err := json.Marshal(change)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to encode change %s: %w", change.ID, err)
	}
	return store.Record{
		Collection: Collection,
		Key:        change.ID,
		Value:      value,
		IndexA:     change.CreatedAt.UTC().Format(store.IndexTimeLayout),
		IndexB:     string(change.Status),
	}, nil
}

func decodeChange(rec store.Record) (Change, error) {
	var change Change
	if err := json.Unmarshal(rec.Value, &change); err != nil {
		return Change{}, fmt.Errorf("failed to decode change %s: %w", rec.Key, err)
	}
	return change, nil
}
