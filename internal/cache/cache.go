// Package cache implements the read-through, TTL-bearing cache table.
//
// Entries live in the durable store's "cache" collection. The expiry
// timestamp is mirrored into the record's IndexA field (RFC 3339 text,
// empty for entries that never expire) so expiry sweeps are an index
// range scan rather than a full collection walk. The write timestamp is
// mirrored into IndexB for oldest-first eviction under quota pressure.
//
// Expiry is enforced lazily on Get and in bulk by SweepExpired: no caller
// ever observes an entry whose expiry has passed.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/crewly/syncbox/internal/store"
)

// Collection is the durable store collection holding cache entries.
const Collection = "cache"

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache entry not found")

// Entry is a stored cache entry. Data is opaque to the cache.
type Entry struct {
	Key           string          `json:"key"`
	Data          json.RawMessage `json:"data"`
	WrittenAt     time.Time       `json:"written_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	SchemaVersion string          `json:"schema_version"`
}

// Expired reports whether the entry's expiry has passed at instant now.
// Entries with no expiry never expire.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Table is the cache layered over a durable store.
type Table struct {
	store   *store.Store
	version string
	logger  *log.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// SchemaVersion is stamped onto entries written by this build. Readers
// that migrate the on-disk format can key off it.
const SchemaVersion = "1"

// New creates a cache table. If logger is nil a default stderr logger is
// used.
func New(st *store.Store, logger *log.Logger) *Table {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Table{
		store:   st,
		version: SchemaVersion,
		logger:  logger,
		now:     time.Now,
	}
}

// Set writes an entry. A ttl <= 0 means the entry never expires by time
// and can only be removed by Invalidate or quota-pressure eviction.
func (t *Table) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	now := t.now().UTC()

	entry := Entry{
		Key:           key,
		Data:          data,
		WrittenAt:     now,
		SchemaVersion: t.version,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}

	rec, err := entryRecord(&entry)
	if err != nil {
		return err
	}

	if err := t.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}

	return nil
}

// Get returns the entry's data, or ErrNotFound if the key is absent.
// An entry whose expiry has passed is deleted and reported absent; stale
// data is never returned.
func (t *Table) Get(ctx context.Context, key string) (json.RawMessage, error) {
	rec, err := t.store.Get(ctx, Collection, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}

	if entry.Expired(t.now()) {
		if err := t.store.Delete(ctx, Collection, key); err != nil {
			t.logger.Printf("Warning: failed to purge expired entry %s: %v", key, err)
		}
		return nil, ErrNotFound
	}

	return entry.Data, nil
}

// Invalidate unconditionally deletes the entry. Idempotent.
func (t *Table) Invalidate(ctx context.Context, key string) error {
	if err := t.store.Delete(ctx, Collection, key); err != nil {
		return fmt.Errorf("failed to invalidate cache entry %s: %w", key, err)
	}
	return nil
}

// SweepExpired deletes every entry whose expiry is at or before now and
// returns how many were removed.
func (t *Table) SweepExpired(ctx context.Context) (int, error) {
	now := t.now().UTC().Format(store.IndexTimeLayout)

	removed := 0
	err := t.store.Update(ctx, func(tx store.Tx) error {
		// Min "0" excludes never-expiring entries, whose IndexA is "".
		recs, err := tx.Scan(Collection, store.IndexA, store.Range{Min: "0", Max: now})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := tx.Delete(Collection, rec.Key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired entries: %w", err)
	}

	if removed > 0 {
		t.logger.Printf("Swept %d expired entries", removed)
	}

	return removed, nil
}

// EvictOldest removes up to n never-expiring entries in oldest-written
// order. Entries carrying a TTL are left for SweepExpired. Used by the
// quota monitor under storage pressure; cached reads are sacrificed
// before any user mutation is refused.
func (t *Table) EvictOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	evicted := 0
	err := t.store.Update(ctx, func(tx store.Tx) error {
		recs, err := tx.Scan(Collection, store.IndexB, store.Range{})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if evicted >= n {
				break
			}
			if rec.IndexA != "" {
				// Has an expiry; the sweep will reclaim it.
				continue
			}
			if err := tx.Delete(Collection, rec.Key); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to evict cache entries: %w", err)
	}

	if evicted > 0 {
		t.logger.Printf("Evicted %d entries under storage pressure", evicted)
	}

	return evicted, nil
}

// List returns all live entries, skipping (but not deleting) any whose
// expiry has passed. Read-only; used by the diagnostic export.
func (t *Table) List(ctx context.Context) ([]Entry, error) {
	recs, err := t.store.Scan(ctx, Collection, store.IndexKey, store.Range{})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}

	now := t.now()
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var entry Entry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode cache entry %s: %w", rec.Key, err)
		}
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Len returns the number of stored entries, counting expired-but-unswept
// ones.
func (t *Table) Len(ctx context.Context) (int, error) {
	return t.store.Count(ctx, Collection)
}

// entryRecord encodes an entry into its store record. IndexA carries the
// expiry, IndexB the write time.
func entryRecord(entry *Entry) (store.Record, error) {
	value, err := json.Marshal(entry)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to encode cache entry %s: %w", entry.Key, err)
	}

	rec := store.Record{
		Collection: Collection,
		Key:        entry.Key,
		Value:      value,
		IndexB:     entry.WrittenAt.UTC().Format(store.IndexTimeLayout),
	}
	if entry.ExpiresAt != nil {
		rec.IndexA = entry.ExpiresAt.UTC().Format(store.IndexTimeLayout)
	}

	return rec, nil
}
