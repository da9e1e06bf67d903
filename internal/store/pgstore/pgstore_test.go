package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sitrep/internal/incident"
	"github.com/linnemanlabs/sitrep/internal/store"
	"github.com/linnemanlabs/sitrep/internal/store/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SITREP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SITREP_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func createIncident(t *testing.T, s *pgstore.Store, in incident.CreateInput) *incident.Incident {
	t.Helper()
	inc, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Delete(context.Background(), inc.ID)
	})
	return inc
}

func findByID(incs []incident.Incident, id string) *incident.Incident {
	for i := range incs {
		if incs[i].ID == id {
			return &incs[i]
		}
	}
	return nil
}

func TestCreateAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	lat, lng := 17.67, 75.92
	panicLevel := 0.8
	created := createIncident(t, s, incident.CreateInput{
		Type:     "Flood",
		Location: "Old Bridge Road",
		Lat:      &lat,
		Lng:      &lng,
		Severity: "Critical",
		Panic:    &panicLevel,
	})

	incs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := findByID(incs, created.ID)
	if got == nil {
		t.Fatalf("List did not contain created incident %s", created.ID)
	}

	if got.Type != incident.TypeFlood || got.Severity != incident.SeverityCritical {
		t.Errorf("got %s/%s, want Flood/Critical", got.Type, got.Severity)
	}
	if got.Lat != lat || got.Lng != lng {
		t.Errorf("coords = %v,%v, want %v,%v", got.Lat, got.Lng, lat, lng)
	}
	if got.Status != incident.StatusOpen || got.Verified {
		t.Errorf("new incident should be Open and unverified, got %s/%v", got.Status, got.Verified)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created := createIncident(t, s, incident.CreateInput{
		Type:     "Medical",
		Location: "Market Square",
	})

	incs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := findByID(incs, created.ID)
	if got == nil {
		t.Fatalf("List did not contain created incident %s", created.ID)
	}

	if got.Severity != incident.DefaultSeverity {
		t.Errorf("severity = %s, want default %s", got.Severity, incident.DefaultSeverity)
	}
	if got.Panic != incident.DefaultPanic {
		t.Errorf("panic = %v, want default %v", got.Panic, incident.DefaultPanic)
	}
	if got.Description != incident.DefaultDescription {
		t.Errorf("description = %q, want default %q", got.Description, incident.DefaultDescription)
	}
	if got.Lat != incident.DefaultBaseLat || got.Lng != incident.DefaultBaseLng {
		t.Errorf("coords = %v,%v, want base %v,%v",
			got.Lat, got.Lng, incident.DefaultBaseLat, incident.DefaultBaseLng)
	}
}

func TestSetVerifiedAndResolved(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created := createIncident(t, s, incident.CreateInput{Type: "Fire", Location: "Mill Lane"})

	verified, err := s.SetVerified(ctx, created.ID)
	if err != nil {
		t.Fatalf("SetVerified: %v", err)
	}
	if !verified.Verified {
		t.Error("SetVerified should return a verified incident")
	}

	// Idempotent.
	again, err := s.SetVerified(ctx, created.ID)
	if err != nil {
		t.Fatalf("SetVerified twice: %v", err)
	}
	if !again.Verified {
		t.Error("second SetVerified should keep verified=true")
	}

	resolved, err := s.SetResolved(ctx, created.ID)
	if err != nil {
		t.Fatalf("SetResolved: %v", err)
	}
	if resolved.Status != incident.StatusResolved {
		t.Errorf("status = %s, want Resolved", resolved.Status)
	}
	if !resolved.Verified {
		t.Error("resolving should not clear verified")
	}
}

func TestActionsOnMissingIncident(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.SetVerified(ctx, "01NOPE"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetVerified(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.SetResolved(ctx, "01NOPE"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetResolved(missing) = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "01NOPE"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestWatchReceivesChanges(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	created := createIncident(t, s, incident.CreateInput{Type: "Collapse", Location: "Station Yard"})

	ev := waitEvent(t, feed, created.ID)
	if ev.Op != store.OpInsert {
		t.Errorf("first event op = %s, want insert", ev.Op)
	}
	if ev.Incident == nil || ev.Incident.Location != "Station Yard" {
		t.Errorf("insert event should carry the full row, got %+v", ev.Incident)
	}

	if _, err := s.SetVerified(ctx, created.ID); err != nil {
		t.Fatalf("SetVerified: %v", err)
	}
	ev = waitEvent(t, feed, created.ID)
	if ev.Op != store.OpUpdate || ev.Incident == nil || !ev.Incident.Verified {
		t.Errorf("update event = %+v, want verified update", ev)
	}

	if err := s.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ev = waitEvent(t, feed, created.ID)
	if ev.Op != store.OpDelete {
		t.Errorf("final event op = %s, want delete", ev.Op)
	}
	if ev.Incident != nil {
		t.Errorf("delete event should carry no row, got %+v", ev.Incident)
	}
}

func TestWatchClosesOnCancel(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	feed, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()

	select {
	case _, ok := <-feed:
		if ok {
			t.Error("expected feed to close after cancel, got event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not close after cancel")
	}
}

// waitEvent reads the feed until an event for the given incident arrives,
// skipping events from concurrent tests sharing the database.
func waitEvent(t *testing.T, feed <-chan store.Event, id string) store.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				t.Fatal("feed closed while waiting for event")
			}
			if ev.ID == id {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event for %s", id)
		}
	}
}
