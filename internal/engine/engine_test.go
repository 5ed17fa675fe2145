package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewly/syncbox/internal/config"
	"github.com/crewly/syncbox/internal/coordinator"
	"github.com/crewly/syncbox/internal/outbox"
	"github.com/crewly/syncbox/internal/remote"
	"github.com/crewly/syncbox/internal/store"
)

type okClient struct {
	sent []string
}

func (c *okClient) Send(ctx context.Context, changeType string, payload json.RawMessage) error {
	c.sent = append(c.sent, changeType)
	return nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "engine.db")
	cfg.ListenAddr = ""
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, client remote.Client) *Engine {
	t.Helper()
	e, err := New(cfg, Options{
		Client: client,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})
	return e
}

func TestEngine_CacheRoundTrip(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()

	if err := e.CacheSet(ctx, "schedule", json.RawMessage(`{"week":35}`), time.Hour); err != nil {
		t.Fatalf("CacheSet() error: %v", err)
	}

	data, err := e.CacheGet(ctx, "schedule")
	if err != nil {
		t.Fatalf("CacheGet() error: %v", err)
	}
	if string(data) != `{"week":35}` {
		t.Errorf("data = %s", data)
	}

	if err := e.CacheInvalidate(ctx, "schedule"); err != nil {
		t.Fatalf("CacheInvalidate() error: %v", err)
	}
	if _, err := e.CacheGet(ctx, "schedule"); err == nil {
		t.Error("expected miss after invalidate")
	}
}

func TestEngine_EnqueueAndSyncNow(t *testing.T) {
	client := &okClient{}
	e := newTestEngine(t, testConfig(t), client)
	ctx := context.Background()

	for _, ct := range []string{"shift.accept", "availability.update"} {
		if _, err := e.Enqueue(ctx, ct, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", ct, err)
		}
	}

	report, err := e.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}
	if report.Synced != 2 {
		t.Errorf("Synced = %d, want 2", report.Synced)
	}
	if len(client.sent) != 2 || client.sent[0] != "shift.accept" {
		t.Errorf("sent = %v", client.sent)
	}

	state, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if state.Pending != 0 {
		t.Errorf("Pending = %d, want 0", state.Pending)
	}
}

func TestEngine_SyncNowWithoutRemote(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)

	if _, err := e.SyncNow(context.Background()); err == nil {
		t.Fatal("expected error without a remote")
	}

	// Status still works, reading queue depths directly.
	state, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if state.Phase != coordinator.PhaseIdle {
		t.Errorf("Phase = %q, want idle", state.Phase)
	}
}

func TestEngine_InvalidateMappingOnSync(t *testing.T) {
	cfg := testConfig(t)
	cfg.Invalidate = map[string][]string{
		"shift.accept": {"schedule"},
	}
	e := newTestEngine(t, cfg, &okClient{})
	ctx := context.Background()

	if err := e.CacheSet(ctx, "schedule", json.RawMessage(`{"week":35}`), time.Hour); err != nil {
		t.Fatalf("CacheSet() error: %v", err)
	}
	if _, err := e.Enqueue(ctx, "shift.accept", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := e.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error: %v", err)
	}

	if _, err := e.CacheGet(ctx, "schedule"); err == nil {
		t.Error("expected schedule cache entry to be invalidated after sync")
	}
}

func TestEngine_Snapshot(t *testing.T) {
	e := newTestEngine(t, testConfig(t), &okClient{})
	ctx := context.Background()

	if err := e.CacheSet(ctx, "profile", json.RawMessage(`{}`), 0); err != nil {
		t.Fatalf("CacheSet() error: %v", err)
	}
	if _, err := e.Enqueue(ctx, "timeoff.request", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	export, err := e.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if export.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not set")
	}
	if len(export.Cache) != 1 {
		t.Errorf("cache entries = %d, want 1", len(export.Cache))
	}
	if len(export.Changes) != 1 || export.Changes[0].Status != outbox.StatusPending {
		t.Errorf("changes = %+v", export.Changes)
	}
	if export.Counts.Pending != 1 {
		t.Errorf("Counts.Pending = %d, want 1", export.Counts.Pending)
	}
}

func TestEngine_UserDataRoundTrip(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()

	if err := e.PutUserData(ctx, "onboarding", json.RawMessage(`{"done":true}`)); err != nil {
		t.Fatalf("PutUserData() error: %v", err)
	}

	data, err := e.GetUserData(ctx, "onboarding")
	if err != nil {
		t.Fatalf("GetUserData() error: %v", err)
	}
	if string(data) != `{"done":true}` {
		t.Errorf("data = %s", data)
	}

	// User data sits outside the cache, so cleanup must not touch it.
	if _, err := e.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if _, err := e.GetUserData(ctx, "onboarding"); err != nil {
		t.Errorf("user data lost after cleanup: %v", err)
	}

	if err := e.DeleteUserData(ctx, "onboarding"); err != nil {
		t.Fatalf("DeleteUserData() error: %v", err)
	}
	if _, err := e.GetUserData(ctx, "onboarding"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEngine_Cleanup(t *testing.T) {
	e := newTestEngine(t, testConfig(t), nil)
	ctx := context.Background()

	if err := e.CacheSet(ctx, "stale", json.RawMessage(`{}`), time.Nanosecond); err != nil {
		t.Fatalf("CacheSet() error: %v", err)
	}
	time.Sleep(time.Millisecond)

	stats, err := e.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if stats.ExpiredSwept != 1 {
		t.Errorf("ExpiredSwept = %d, want 1", stats.ExpiredSwept)
	}
}
