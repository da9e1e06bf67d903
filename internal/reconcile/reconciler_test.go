package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/sitrep/internal/incident"
	"github.com/linnemanlabs/sitrep/internal/store"
)

// fakeSource serves canned snapshots and a controllable feed channel.
type fakeSource struct {
	mu        sync.Mutex
	snapshots [][]incident.Incident
	listErrs  []error
	listCalls int
	feeds     []chan store.Event
}

func (f *fakeSource) List(_ context.Context) ([]incident.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.listCalls
	f.listCalls++
	if idx < len(f.listErrs) && f.listErrs[idx] != nil {
		return nil, f.listErrs[idx]
	}
	if idx < len(f.snapshots) {
		return f.snapshots[idx], nil
	}
	if len(f.snapshots) > 0 {
		return f.snapshots[len(f.snapshots)-1], nil
	}
	return nil, nil
}

func (f *fakeSource) Watch(_ context.Context) (<-chan store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan store.Event, 16)
	f.feeds = append(f.feeds, ch)
	return ch, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func inc(id string) incident.Incident {
	return incident.Incident{
		ID: id, Type: incident.TypeFlood, Location: "North Bazaar",
		Severity: incident.SeverityHigh, Panic: 0.5,
		Status: incident.StatusOpen, CreatedAt: time.Now().UTC(),
	}
}

func insertEv(id string) store.Event {
	i := inc(id)
	return store.Event{Op: store.OpInsert, ID: id, Incident: &i}
}

func snapshotIDs(r *Reconciler) map[string]bool {
	ids := make(map[string]bool)
	for _, i := range r.Snapshot() {
		ids[i.ID] = true
	}
	return ids
}

func TestApplyEvent_LastWriterWinsPerID(t *testing.T) {
	t.Parallel()

	r := New(&fakeSource{}, nil, nil, Options{})

	a := inc("a")
	a.Severity = incident.SeverityMedium
	r.ApplyEvent(store.Event{Op: store.OpInsert, ID: "a", Incident: &a})

	a2 := inc("a")
	a2.Severity = incident.SeverityCritical
	r.ApplyEvent(store.Event{Op: store.OpUpdate, ID: "a", Incident: &a2})

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("projection has %d entries, want 1", len(snap))
	}
	if snap[0].Severity != incident.SeverityCritical {
		t.Errorf("severity = %q, want Critical (update replaces wholesale)", snap[0].Severity)
	}
}

func TestApplyEvent_DeleteIdempotent(t *testing.T) {
	t.Parallel()

	r := New(&fakeSource{}, nil, nil, Options{})
	r.ApplyEvent(insertEv("a"))
	r.ApplyEvent(store.Event{Op: store.OpDelete, ID: "a"})
	r.ApplyEvent(store.Event{Op: store.OpDelete, ID: "a"}) // absence is not an error
	r.ApplyEvent(store.Event{Op: store.OpDelete, ID: "never-existed"})

	if len(r.Snapshot()) != 0 {
		t.Errorf("projection has %d entries, want 0", len(r.Snapshot()))
	}
}

func TestApplyEvent_MalformedDropped(t *testing.T) {
	t.Parallel()

	r := New(&fakeSource{}, nil, nil, Options{})
	r.ApplyEvent(store.Event{Op: store.OpInsert, ID: "x", Incident: nil})
	missing := incident.Incident{Type: incident.TypeFire}
	r.ApplyEvent(store.Event{Op: store.OpUpdate, Incident: &missing})
	r.ApplyEvent(store.Event{Op: store.OpDelete})
	r.ApplyEvent(store.Event{Op: "truncate", ID: "x"})

	if len(r.Snapshot()) != 0 {
		t.Errorf("malformed events reached the projection: %d entries", len(r.Snapshot()))
	}
}

func TestApplyEvent_EventSequenceConverges(t *testing.T) {
	t.Parallel()

	r := New(&fakeSource{}, nil, nil, Options{})

	// Arbitrary interleaving; final state must hold exactly the ids last
	// inserted/updated and not subsequently deleted.
	r.ApplyEvent(insertEv("a"))
	r.ApplyEvent(insertEv("b"))
	r.ApplyEvent(insertEv("a")) // repeated insert is a replace, not a dup
	r.ApplyEvent(store.Event{Op: store.OpDelete, ID: "b"})
	r.ApplyEvent(insertEv("c"))
	r.ApplyEvent(store.Event{Op: store.OpDelete, ID: "zz"})

	ids := snapshotIDs(r)
	if len(ids) != 2 || !ids["a"] || !ids["c"] {
		t.Errorf("projection ids = %v, want {a, c}", ids)
	}
}

func TestFullResync_Idempotent(t *testing.T) {
	t.Parallel()

	r := New(&fakeSource{}, nil, nil, Options{})
	snap := []incident.Incident{inc("a"), inc("b")}
	fetched := time.Now()

	r.FullResync(snap, fetched)
	first := snapshotIDs(r)
	r.FullResync(snap, fetched.Add(time.Second))
	second := snapshotIDs(r)

	if len(first) != 2 || len(second) != 2 || !second["a"] || !second["b"] {
		t.Errorf("resync not idempotent: first=%v second=%v", first, second)
	}
}

func TestFullResync_ReplacesStaleEntries(t *testing.T) {
	t.Parallel()

	r := New(&fakeSource{}, nil, nil, Options{})
	r.ApplyEvent(insertEv("gone"))
	r.ApplyEvent(insertEv("stays"))

	// Snapshot fetched after the deltas applied: it is authoritative.
	time.Sleep(5 * time.Millisecond)
	r.FullResync([]incident.Incident{inc("stays"), inc("new")}, time.Now())

	ids := snapshotIDs(r)
	if len(ids) != 2 || !ids["stays"] || !ids["new"] {
		t.Errorf("projection ids = %v, want {stays, new}", ids)
	}
}

func TestFullResync_NewerDeltaSurvivesStaleSnapshot(t *testing.T) {
	t.Parallel()

	r := New(&fakeSource{}, nil, nil, Options{})
	fetched := time.Now()

	// Deltas land after the snapshot fetch started.
	time.Sleep(5 * time.Millisecond)
	updated := inc("a")
	updated.Verified = true
	r.ApplyEvent(store.Event{Op: store.OpUpdate, ID: "a", Incident: &updated})
	r.ApplyEvent(insertEv("b"))

	// The stale snapshot carries the pre-update "a" and omits "b".
	stale := inc("a")
	r.FullResync([]incident.Incident{stale}, fetched)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("projection has %d entries, want 2 (newer delta for b must survive)", len(snap))
	}
	for _, i := range snap {
		if i.ID == "a" && !i.Verified {
			t.Error("stale resync overwrote a strictly newer delta for id a")
		}
	}
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	t.Parallel()

	r := New(&fakeSource{}, nil, nil, Options{})
	r.ApplyEvent(insertEv("a"))

	snap := r.Snapshot()
	snap[0].Location = "mutated"

	if r.Snapshot()[0].Location != "North Bazaar" {
		t.Error("mutating a snapshot leaked into the projection")
	}
}

func TestRun_StartupResyncAndFeed(t *testing.T) {
	t.Parallel()

	src := &fakeSource{snapshots: [][]incident.Incident{{inc("seed")}}}
	r := New(src, nil, nil, Options{ResyncInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return snapshotIDs(r)["seed"] }, "startup resync")

	src.mu.Lock()
	feed := src.feeds[0]
	src.mu.Unlock()
	feed <- insertEv("live")

	waitFor(t, func() bool { return snapshotIDs(r)["live"] }, "feed delta")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRun_ResubscribesAfterFeedClose(t *testing.T) {
	t.Parallel()

	src := &fakeSource{snapshots: [][]incident.Incident{{inc("seed")}}}
	r := New(src, nil, nil, Options{ResyncInterval: time.Hour, RetryBackoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, func() bool { return src.calls() >= 1 }, "startup resync")

	src.mu.Lock()
	close(src.feeds[0])
	src.mu.Unlock()

	// A broken feed triggers a fresh subscription and an immediate resync.
	waitFor(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.feeds) >= 2 && src.listCalls >= 2
	}, "re-subscribe after feed close")
}

func TestResync_FailureKeepsLastGoodSnapshot(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		snapshots: [][]incident.Incident{{inc("good")}},
		listErrs:  []error{nil, errors.New("store unavailable")},
	}
	r := New(src, nil, nil, Options{})
	ctx := context.Background()

	r.resync(ctx, r.logger)
	if !snapshotIDs(r)["good"] {
		t.Fatal("first resync did not populate projection")
	}
	before := r.LastSynced()

	r.resync(ctx, r.logger)
	if !snapshotIDs(r)["good"] {
		t.Error("failed resync wiped the last good snapshot")
	}
	if r.LastSynced().After(before) {
		t.Error("failed resync advanced the staleness marker")
	}
}

func TestResync_EmitsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	src := &fakeSource{snapshots: [][]incident.Incident{{inc("a"), inc("b")}}}
	r := New(src, nil, nil, Options{})
	r.resync(context.Background(), r.logger)

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected a resync span")
	}
	if spans[0].Name != "reconcile.resync" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "reconcile.resync")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
