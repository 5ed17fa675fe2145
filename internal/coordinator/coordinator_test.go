package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crewly/syncbox/internal/cache"
	"github.com/crewly/syncbox/internal/outbox"
	"github.com/crewly/syncbox/internal/quota"
	"github.com/crewly/syncbox/internal/remote"
	"github.com/crewly/syncbox/internal/store"
)

// fakeClient scripts remote behavior per change type and records every
// send in order.
type fakeClient struct {
	mu    sync.Mutex
	sends []string // change types in send order
	errs  map[string][]error
	block chan struct{} // when non-nil, Send waits for a tick or ctx
}

func (f *fakeClient) Send(ctx context.Context, changeType string, payload json.RawMessage) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &remote.SendError{Transient: true, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, changeType)

	if queue := f.errs[changeType]; len(queue) > 0 {
		err := queue[0]
		f.errs[changeType] = queue[1:]
		return err
	}
	return nil
}

func (f *fakeClient) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

// fixture wires a coordinator over a fresh store. Backoff is effectively
// disabled so consecutive drains attempt immediately.
type fixture struct {
	store  *store.Store
	cache  *cache.Table
	outbox *outbox.Queue
	client *fakeClient
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	return &fixture{
		store: st,
		cache: cache.New(st, nil),
		outbox: outbox.New(st, outbox.Config{
			MaxRetries:  maxRetries,
			BackoffBase: time.Nanosecond,
			BackoffCap:  time.Nanosecond,
		}, nil),
		client: &fakeClient{errs: map[string][]error{}},
	}
}

func (f *fixture) coordinator(config Config) *Coordinator {
	monitor := quota.New(f.store, f.cache, f.outbox, nil)
	return New(f.outbox, f.client, f.cache, monitor, config)
}

func transientErr() error {
	return &remote.SendError{Transient: true, StatusCode: 503, Msg: "unavailable"}
}

func permanentErr() error {
	return &remote.SendError{Transient: false, StatusCode: 422, Msg: "validation rejected"}
}

func TestDrain_FIFODelivery(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	// A before B; B's type depends on A's having been applied first.
	idA, _ := f.outbox.Enqueue(ctx, "request_creation", nil)
	time.Sleep(time.Millisecond)
	idB, _ := f.outbox.Enqueue(ctx, "request_update", nil)

	c := f.coordinator(Config{})
	report, err := c.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Synced != 2 {
		t.Errorf("Synced = %d, want 2", report.Synced)
	}

	sent := f.client.sent()
	if len(sent) != 2 || sent[0] != "request_creation" || sent[1] != "request_update" {
		t.Errorf("send order = %v, want [request_creation request_update]", sent)
	}

	for _, id := range []string{idA, idB} {
		change, _ := f.outbox.Get(ctx, id)
		if change.Status != outbox.StatusSynced {
			t.Errorf("change %s status = %q, want synced", id, change.Status)
		}
	}
}

func TestDrain_NoDuplicateDelivery(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, _ = f.outbox.Enqueue(ctx, "a", nil)
	time.Sleep(time.Millisecond)
	_, _ = f.outbox.Enqueue(ctx, "b", nil)

	// First drain: a succeeds, b fails transiently and stays pending.
	f.client.errs["b"] = []error{transientErr()}
	c := f.coordinator(Config{})
	if _, err := c.Drain(ctx); err != nil {
		t.Fatalf("first Drain() failed: %v", err)
	}

	// Second drain must not send a again.
	if _, err := c.Drain(ctx); err != nil {
		t.Fatalf("second Drain() failed: %v", err)
	}

	want := []string{"a", "b", "b"}
	sent := f.client.sent()
	if len(sent) != len(want) {
		t.Fatalf("sends = %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sends[%d] = %q, want %q", i, sent[i], want[i])
		}
	}
}

func TestDrain_TransientExhaustionThenNoAutoRetry(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	id, _ := f.outbox.Enqueue(ctx, "c", nil)
	f.client.errs["c"] = []error{
		transientErr(), transientErr(), transientErr(), transientErr(), transientErr(),
	}

	c := f.coordinator(Config{})
	for i := 0; i < 5; i++ {
		// Backoff is a nanosecond; give it time to lapse.
		time.Sleep(time.Millisecond)
		if _, err := c.Drain(ctx); err != nil {
			t.Fatalf("Drain() #%d failed: %v", i+1, err)
		}
	}

	change, _ := f.outbox.Get(ctx, id)
	if change.Status != outbox.StatusFailed {
		t.Fatalf("status after 5 transient failures = %q, want failed", change.Status)
	}
	if change.RetryCount != 5 {
		t.Errorf("retry count = %d, want 5", change.RetryCount)
	}

	// A sixth manual drain does not touch the failed change.
	before := len(f.client.sent())
	if _, err := c.Drain(ctx); err != nil {
		t.Fatalf("sixth Drain() failed: %v", err)
	}
	if after := len(f.client.sent()); after != before {
		t.Errorf("failed change was retried: %d sends -> %d", before, after)
	}

	// Only an explicit resubmission makes it eligible again.
	if err := f.outbox.Resubmit(ctx, id); err != nil {
		t.Fatalf("Resubmit() failed: %v", err)
	}
	if _, err := c.Drain(ctx); err != nil {
		t.Fatalf("post-resubmit Drain() failed: %v", err)
	}
	change, _ = f.outbox.Get(ctx, id)
	if change.Status != outbox.StatusSynced {
		t.Errorf("status after resubmit drain = %q, want synced", change.Status)
	}
}

func TestDrain_PermanentFailureSkipsLadder(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	id, _ := f.outbox.Enqueue(ctx, "bad", nil)
	f.client.errs["bad"] = []error{permanentErr()}

	c := f.coordinator(Config{})
	report, err := c.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if report.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", report.Rejected)
	}

	change, _ := f.outbox.Get(ctx, id)
	if change.Status != outbox.StatusFailed {
		t.Errorf("status = %q, want failed", change.Status)
	}
	if change.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 (ladder skipped)", change.RetryCount)
	}
}

func TestDrain_BackoffDefersEntries(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	// Long backoff: a failed entry is deferred on the next drain.
	f.outbox = outbox.New(f.store, outbox.Config{
		MaxRetries:  5,
		BackoffBase: time.Hour,
		BackoffCap:  time.Hour,
	}, nil)
	f.client.errs["x"] = []error{transientErr()}

	_, _ = f.outbox.Enqueue(ctx, "x", nil)

	c := f.coordinator(Config{})
	if _, err := c.Drain(ctx); err != nil {
		t.Fatalf("first Drain() failed: %v", err)
	}

	report, err := c.Drain(ctx)
	if err != nil {
		t.Fatalf("second Drain() failed: %v", err)
	}
	if report.Attempted != 0 || report.Deferred != 1 {
		t.Errorf("report = %+v, want 0 attempted / 1 deferred", report)
	}
}

func TestDrain_ConcurrentCallsCoalesce(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = f.outbox.Enqueue(ctx, "a", nil)
	}

	f.client.block = make(chan struct{})
	c := f.coordinator(Config{})

	done := make(chan DrainReport, 1)
	go func() {
		report, _ := c.Drain(ctx)
		done <- report
	}()

	// Wait for the drain to reach the blocking send.
	for {
		if st, _ := c.Status(ctx); st.Phase == PhaseDraining {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// A second call returns immediately, coalesced, with no sends.
	report, err := c.Drain(ctx)
	if err != nil {
		t.Fatalf("coalesced Drain() failed: %v", err)
	}
	if !report.Coalesced {
		t.Error("second Drain() did not coalesce")
	}

	close(f.client.block)
	first := <-done
	if first.Synced != 10 {
		t.Errorf("first drain synced %d, want 10", first.Synced)
	}
	if got := len(f.client.sent()); got != 10 {
		t.Errorf("total sends = %d, want 10 (no duplicates)", got)
	}
}

func TestDrain_CancelKeepsConfirmedSyncs(t *testing.T) {
	f := newFixture(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idA, _ := f.outbox.Enqueue(context.Background(), "a", nil)
	time.Sleep(time.Millisecond)
	idB, _ := f.outbox.Enqueue(context.Background(), "b", nil)

	// Let the first send through, then block and cancel.
	f.client.block = make(chan struct{}, 1)
	f.client.block <- struct{}{}

	c := f.coordinator(Config{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Drain(ctx)
	}()

	// First entry is synced; the second send blocks until cancel.
	deadline := time.After(5 * time.Second)
	for {
		change, err := f.outbox.Get(context.Background(), idA)
		if err == nil && change.Status == outbox.StatusSynced {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first change never synced")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	changeA, _ := f.outbox.Get(context.Background(), idA)
	if changeA.Status != outbox.StatusSynced {
		t.Errorf("confirmed sync rolled back: status = %q", changeA.Status)
	}
	changeB, _ := f.outbox.Get(context.Background(), idB)
	if changeB.Status == outbox.StatusSynced {
		t.Error("cancelled change reported synced")
	}
}

func TestDrain_InvalidatesMappedCacheKeys(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	if err := f.cache.Set(ctx, "profile", json.RawMessage(`{"v":1}`), 0); err != nil {
		t.Fatalf("cache Set() failed: %v", err)
	}
	_, _ = f.outbox.Enqueue(ctx, "profile_update", nil)

	c := f.coordinator(Config{
		Invalidate: func(change outbox.Change) []string {
			if change.ChangeType == "profile_update" {
				return []string{"profile"}
			}
			return nil
		},
	})

	if _, err := c.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	if _, err := f.cache.Get(ctx, "profile"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("cache entry survived sync of its change: %v", err)
	}
}

func TestStatus_Counts(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, _ = f.outbox.Enqueue(ctx, "a", nil)
	failedID, _ := f.outbox.Enqueue(ctx, "b", nil)
	_ = f.outbox.MarkFailed(ctx, failedID, errors.New("boom"))

	c := f.coordinator(Config{})
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want idle", st.Phase)
	}
	if st.Pending != 1 || st.Failed != 1 {
		t.Errorf("counts = %d pending / %d failed, want 1/1", st.Pending, st.Failed)
	}
}

func TestDrain_EmitsEvents(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, _ = f.outbox.Enqueue(ctx, "a", nil)

	var mu sync.Mutex
	var types []EventType
	c := f.coordinator(Config{
		Events: func(ev Event) {
			mu.Lock()
			types = append(types, ev.Type)
			mu.Unlock()
		},
	})

	if _, err := c.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 || types[0] != EventChangeSynced || types[1] != EventDrainComplete {
		t.Errorf("events = %v, want [change_synced drain_complete]", types)
	}
}
