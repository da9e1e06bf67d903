package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/sitrep/internal/incident"
	"github.com/linnemanlabs/sitrep/internal/store"
)

func f64(v float64) *float64 { return &v }

func TestStore_CreateAndList(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	inc, err := s.Create(ctx, incident.CreateInput{Type: "Flood", Location: "North Bazaar"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inc.ID == "" {
		t.Fatal("expected store-assigned ID")
	}
	if inc.Status != incident.StatusOpen {
		t.Errorf("Status = %q, want Open", inc.Status)
	}
	if inc.Verified {
		t.Error("Verified = true at creation")
	}
	if inc.CreatedAt.IsZero() {
		t.Error("expected store-assigned CreatedAt")
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List returned %d incidents, want 1", len(all))
	}
	if all[0].ID != inc.ID {
		t.Errorf("listed ID = %q, want %q", all[0].ID, inc.ID)
	}
}

func TestStore_SetVerified_OneWay(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc, err := s.Create(ctx, incident.CreateInput{Type: "Fire", Location: "Station Rd"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.SetVerified(ctx, inc.ID)
	if err != nil {
		t.Fatalf("SetVerified: %v", err)
	}
	if !got.Verified {
		t.Fatal("Verified = false after SetVerified")
	}

	// Idempotent: second call succeeds and leaves verified set.
	got, err = s.SetVerified(ctx, inc.ID)
	if err != nil {
		t.Fatalf("SetVerified (second call): %v", err)
	}
	if !got.Verified {
		t.Fatal("Verified reverted on second call")
	}
}

func TestStore_SetResolved(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc, err := s.Create(ctx, incident.CreateInput{Type: "Collapse", Location: "Old Bridge"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.SetResolved(ctx, inc.ID)
	if err != nil {
		t.Fatalf("SetResolved: %v", err)
	}
	if got.Status != incident.StatusResolved {
		t.Errorf("Status = %q, want Resolved", got.Status)
	}
}

func TestStore_ActionsOnMissingID(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if _, err := s.SetVerified(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetVerified(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.SetResolved(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetResolved(missing) = %v, want ErrNotFound", err)
	}
	// Delete of a missing ID is idempotent, not an error.
	if err := s.Delete(ctx, "nope"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestStore_WatchReceivesEvents(t *testing.T) {
	t.Parallel()

	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	inc, err := s.Create(ctx, incident.CreateInput{Type: "Flood", Location: "North Bazaar"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.SetVerified(ctx, inc.ID); err != nil {
		t.Fatalf("SetVerified: %v", err)
	}
	if err := s.Delete(ctx, inc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	wantOps := []store.Op{store.OpInsert, store.OpUpdate, store.OpDelete}
	for i, want := range wantOps {
		select {
		case ev := <-ch:
			if ev.Op != want {
				t.Errorf("event %d op = %q, want %q", i, ev.Op, want)
			}
			if ev.ID != inc.ID {
				t.Errorf("event %d id = %q, want %q", i, ev.ID, inc.ID)
			}
			if want == store.OpDelete && ev.Incident != nil {
				t.Error("delete event carried a record")
			}
			if want != store.OpDelete && ev.Incident == nil {
				t.Errorf("event %d missing record", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestStore_WatchClosesOnCancel(t *testing.T) {
	t.Parallel()

	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestStore_ListReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc, err := s.Create(ctx, incident.CreateInput{Type: "Fire", Location: "x", Panic: f64(0.3)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	all, _ := s.List(ctx)
	all[0].Panic = 0.99

	again, _ := s.List(ctx)
	if again[0].Panic != 0.3 {
		t.Errorf("mutating a listed copy leaked into the store: panic = %v", again[0].Panic)
	}
	_ = inc
}
