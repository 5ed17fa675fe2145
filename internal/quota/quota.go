// Package quota watches storage usage and runs defensive cleanup so
// writes degrade before they fail outright.
//
// The snapshot combines the database's on-disk size with the filesystem
// capacity of the directory holding it. On platforms where neither can
// be read the snapshot is all zeros, meaning "unknown": callers must not
// interpret unknown as either full or empty.
//
// Cleanup removes only reclaimable state: expired cache entries and
// synced outbox changes past the retention window. Pending and failed
// changes are never deleted here regardless of age or pressure; losing
// unsynced user work is a correctness violation, not a trade-off.
package quota

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/crewly/syncbox/internal/cache"
	"github.com/crewly/syncbox/internal/outbox"
	"github.com/crewly/syncbox/internal/store"
)

// DefaultRetention is how long synced changes are kept for diagnostics
// before cleanup reaps them.
const DefaultRetention = 30 * 24 * time.Hour

// Snapshot is a point-in-time storage reading. All zeros means the
// platform could not report usage.
type Snapshot struct {
	UsageBytes     int64 `json:"usage_bytes"`
	QuotaBytes     int64 `json:"quota_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// Unknown reports whether the snapshot carries no usable information.
func (s Snapshot) Unknown() bool {
	return s.UsageBytes == 0 && s.QuotaBytes == 0 && s.AvailableBytes == 0
}

// CleanupStats summarizes one cleanup pass.
type CleanupStats struct {
	ExpiredSwept  int `json:"expired_swept"`
	SyncedRemoved int `json:"synced_removed"`
	Evicted       int `json:"evicted"`
}

// Monitor reads storage usage and reclaims reclaimable state.
type Monitor struct {
	store  *store.Store
	cache  *cache.Table
	outbox *outbox.Queue
	logger *log.Logger

	// evictBatch is how many non-expiring cache entries one relief pass
	// gives up under pressure.
	evictBatch int

	now func() time.Time
}

// New creates a monitor over the engine's store, cache, and outbox. If
// logger is nil a default stderr logger is used.
func New(st *store.Store, ct *cache.Table, q *outbox.Queue, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[quota] ", log.LstdFlags)
	}
	return &Monitor{
		store:      st,
		cache:      ct,
		outbox:     q,
		logger:     logger,
		evictBatch: 32,
		now:        time.Now,
	}
}

// SnapshotUsage returns current storage usage. Best effort: any failure
// degrades to the unknown (all-zero) snapshot rather than an error the
// caller would have to guess a meaning for.
func (m *Monitor) SnapshotUsage(ctx context.Context) Snapshot {
	usage, err := m.store.Usage(ctx)
	if err != nil {
		m.logger.Printf("Warning: failed to read database size: %v", err)
		return Snapshot{}
	}

	total, avail, err := fsCapacity(filepath.Dir(m.store.Path()))
	if err != nil {
		m.logger.Printf("Warning: failed to read filesystem capacity: %v", err)
		return Snapshot{}
	}

	return Snapshot{
		UsageBytes:     usage,
		QuotaBytes:     total,
		AvailableBytes: avail,
	}
}

// Cleanup sweeps expired cache entries and reaps synced changes older
// than retention. A retention of zero reaps every synced change. Pending
// and failed changes are untouched for any retention value.
func (m *Monitor) Cleanup(ctx context.Context, retention time.Duration) (CleanupStats, error) {
	var stats CleanupStats

	swept, err := m.cache.SweepExpired(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to sweep cache: %w", err)
	}
	stats.ExpiredSwept = swept

	cutoff := m.now().UTC().Add(-retention)

	synced, err := m.outbox.List(ctx, outbox.StatusSynced)
	if err != nil {
		return stats, fmt.Errorf("failed to list synced changes: %w", err)
	}

	for _, change := range synced {
		reference := change.CreatedAt
		if change.SyncedAt != nil {
			reference = *change.SyncedAt
		}
		if reference.After(cutoff) {
			continue
		}
		if err := m.outbox.Remove(ctx, change.ID); err != nil {
			m.logger.Printf("Warning: failed to remove synced change %s: %v", change.ID, err)
			continue
		}
		stats.SyncedRemoved++
	}

	if stats.ExpiredSwept > 0 || stats.SyncedRemoved > 0 {
		m.logger.Printf("Cleanup: swept %d expired entries, removed %d synced changes",
			stats.ExpiredSwept, stats.SyncedRemoved)
	}

	return stats, nil
}

// Relief frees space after a storage fault: expired cache entries go
// first, then a batch of the oldest non-expiring ones. Outbox entries
// are never candidates; cached reads always lose to user intent.
func (m *Monitor) Relief(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats

	swept, err := m.cache.SweepExpired(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to sweep cache: %w", err)
	}
	stats.ExpiredSwept = swept

	if swept == 0 {
		evicted, err := m.cache.EvictOldest(ctx, m.evictBatch)
		if err != nil {
			return stats, fmt.Errorf("failed to evict cache entries: %w", err)
		}
		stats.Evicted = evicted
	}

	m.logger.Printf("Relief pass: swept %d, evicted %d", stats.ExpiredSwept, stats.Evicted)
	return stats, nil
}
