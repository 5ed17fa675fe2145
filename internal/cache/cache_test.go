package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewly/syncbox/internal/store"
)

// testTable returns a cache over a fresh store, with a controllable clock.
func testTable(t *testing.T) (*Table, *time.Time) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	table := New(st, nil)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return now }

	return table, &now
}

func TestSetGet_RoundTrip(t *testing.T) {
	table, _ := testTable(t)
	ctx := context.Background()

	data := json.RawMessage(`{"name":"alice"}`)
	if err := table.Set(ctx, "profile", data, time.Minute); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	got, err := table.Get(ctx, "profile")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get() = %s, want %s", got, data)
	}
}

func TestGet_AbsentKey(t *testing.T) {
	table, _ := testTable(t)

	_, err := table.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGet_LazyExpiry(t *testing.T) {
	table, now := testTable(t)
	ctx := context.Background()

	if err := table.Set(ctx, "profile", json.RawMessage(`1`), 60*time.Second); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	// At t+61s the entry is logically absent and must be purged.
	*now = now.Add(61 * time.Second)

	if _, err := table.Get(ctx, "profile"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after expiry = %v, want ErrNotFound", err)
	}

	// The purge is durable: the store no longer holds the entry.
	n, err := table.Len(ctx)
	if err != nil {
		t.Fatalf("Len() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Len() after expired Get = %d, want 0", n)
	}

	// A second Get is identical; no stale data ever resurfaces.
	if _, err := table.Get(ctx, "profile"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Get() after expiry = %v, want ErrNotFound", err)
	}
}

func TestSet_Overwrites(t *testing.T) {
	table, _ := testTable(t)
	ctx := context.Background()

	if err := table.Set(ctx, "k", json.RawMessage(`1`), time.Minute); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := table.Set(ctx, "k", json.RawMessage(`2`), 0); err != nil {
		t.Fatalf("second Set() failed: %v", err)
	}

	got, err := table.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != "2" {
		t.Errorf("Get() = %s, want 2", got)
	}

	// At most one live entry per key.
	n, _ := table.Len(ctx)
	if n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestInvalidate_Idempotent(t *testing.T) {
	table, _ := testTable(t)
	ctx := context.Background()

	if err := table.Set(ctx, "k", json.RawMessage(`1`), 0); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if err := table.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate() failed: %v", err)
	}
	if err := table.Invalidate(ctx, "k"); err != nil {
		t.Errorf("second Invalidate() failed: %v", err)
	}

	if _, err := table.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after invalidate = %v, want ErrNotFound", err)
	}
}

func TestSweepExpired(t *testing.T) {
	table, now := testTable(t)
	ctx := context.Background()

	if err := table.Set(ctx, "short", json.RawMessage(`1`), time.Minute); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := table.Set(ctx, "long", json.RawMessage(`2`), time.Hour); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := table.Set(ctx, "forever", json.RawMessage(`3`), 0); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	*now = now.Add(2 * time.Minute)

	removed, err := table.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("SweepExpired() = %d, want 1", removed)
	}

	if _, err := table.Get(ctx, "long"); err != nil {
		t.Errorf("Get(long) after sweep failed: %v", err)
	}
	if _, err := table.Get(ctx, "forever"); err != nil {
		t.Errorf("Get(forever) after sweep failed: %v", err)
	}
}

func TestSweepExpired_SubsecondExpiry(t *testing.T) {
	table, now := testTable(t)
	ctx := context.Background()

	// Expiry lands mid-second; the sweep bound must compare it by time,
	// not by trimmed-zero string order.
	if err := table.Set(ctx, "midsecond", json.RawMessage(`{}`), 1500*time.Millisecond); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	*now = now.Add(time.Second)
	removed, err := table.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("SweepExpired() removed %d entries before expiry, want 0", removed)
	}
	if _, err := table.Get(ctx, "midsecond"); err != nil {
		t.Fatalf("Get() after early sweep failed: %v", err)
	}

	*now = now.Add(600 * time.Millisecond)
	removed, err = table.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("SweepExpired() removed %d entries after expiry, want 1", removed)
	}
	if _, err := table.Get(ctx, "midsecond"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after sweep: err = %v, want ErrNotFound", err)
	}
}

func TestSweepExpired_NeverTouchesNoTTLEntries(t *testing.T) {
	table, now := testTable(t)
	ctx := context.Background()

	if err := table.Set(ctx, "forever", json.RawMessage(`1`), 0); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	*now = now.Add(1000 * time.Hour)

	removed, err := table.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("SweepExpired() = %d, want 0", removed)
	}
}

func TestEvictOldest_PrefersOldestNonExpiring(t *testing.T) {
	table, now := testTable(t)
	ctx := context.Background()

	if err := table.Set(ctx, "oldest", json.RawMessage(`1`), 0); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	*now = now.Add(time.Minute)
	if err := table.Set(ctx, "newer", json.RawMessage(`2`), 0); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := table.Set(ctx, "ttl", json.RawMessage(`3`), time.Hour); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	evicted, err := table.EvictOldest(ctx, 1)
	if err != nil {
		t.Fatalf("EvictOldest() failed: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("EvictOldest() = %d, want 1", evicted)
	}

	if _, err := table.Get(ctx, "oldest"); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest entry should have been evicted, Get() = %v", err)
	}
	if _, err := table.Get(ctx, "newer"); err != nil {
		t.Errorf("newer entry should survive, Get() failed: %v", err)
	}
	if _, err := table.Get(ctx, "ttl"); err != nil {
		t.Errorf("TTL entry should survive eviction, Get() failed: %v", err)
	}
}

func TestList_SkipsExpired(t *testing.T) {
	table, now := testTable(t)
	ctx := context.Background()

	if err := table.Set(ctx, "live", json.RawMessage(`1`), time.Hour); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := table.Set(ctx, "dead", json.RawMessage(`2`), time.Minute); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	*now = now.Add(2 * time.Minute)

	entries, err := table.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "live" {
		t.Errorf("List() = %+v, want single live entry", entries)
	}
	if entries[0].SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", entries[0].SchemaVersion, SchemaVersion)
	}
}
