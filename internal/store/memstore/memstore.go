// Package memstore provides an in-memory implementation of store.Store with
// a fan-out change feed. Suitable for dev/testing.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sitrep/internal/incident"
	"github.com/linnemanlabs/sitrep/internal/store"
)

// subscriber channels are buffered; a subscriber that falls this far behind
// starts losing events and must rely on the next resync.
const feedBuffer = 64

// Store holds incidents in memory and broadcasts changes to watchers.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
	watchers  map[int]chan store.Event
	nextWatch int

	baseLat float64
	baseLng float64

	// now is swappable for tests.
	now func() time.Time
}

// New initializes an empty in-memory Store using the default base
// coordinates for submissions without a position.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		watchers:  make(map[int]chan store.Event),
		baseLat:   incident.DefaultBaseLat,
		baseLng:   incident.DefaultBaseLng,
		now:       time.Now,
	}
}

// SetBaseCoords overrides the fallback coordinates for submissions that
// carry no position.
func (s *Store) SetBaseCoords(lat, lng float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseLat, s.baseLng = lat, lng
}

// List returns a copy of every incident.
func (s *Store) List(_ context.Context) ([]incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, *inc)
	}
	return out, nil
}

// Watch subscribes to the change feed. The returned channel closes when ctx
// is cancelled.
func (s *Store) Watch(ctx context.Context) (<-chan store.Event, error) {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan store.Event, feedBuffer)
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Create stores a new incident materialized from the input and emits an
// insert event. The input must already be validated.
func (s *Store) Create(_ context.Context, in incident.CreateInput) (*incident.Incident, error) {
	s.mu.Lock()
	inc := in.Materialize(ulid.Make().String(), s.now(), s.baseLat, s.baseLng)
	s.incidents[inc.ID] = &inc
	cp := inc
	s.broadcastLocked(store.Event{Op: store.OpInsert, ID: inc.ID, Incident: &cp})
	s.mu.Unlock()
	return &cp, nil
}

// SetVerified marks an incident verified and emits an update event.
// Idempotent: verifying twice emits at most one effective change.
func (s *Store) SetVerified(_ context.Context, id string) (*incident.Incident, error) {
	return s.update(id, func(inc *incident.Incident) { inc.Verified = true })
}

// SetResolved marks an incident resolved and emits an update event.
func (s *Store) SetResolved(_ context.Context, id string) (*incident.Incident, error) {
	return s.update(id, func(inc *incident.Incident) { inc.Status = incident.StatusResolved })
}

// Delete removes an incident and emits a delete event. Absence is not an
// error; deletes are idempotent.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[id]; !ok {
		return nil
	}
	delete(s.incidents, id)
	s.broadcastLocked(store.Event{Op: store.OpDelete, ID: id})
	return nil
}

func (s *Store) update(id string, mutate func(*incident.Incident)) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	mutate(inc)
	cp := *inc
	s.broadcastLocked(store.Event{Op: store.OpUpdate, ID: id, Incident: &cp})
	return &cp, nil
}

// broadcastLocked delivers an event to every watcher without blocking the
// writer. A full subscriber buffer drops the event; the periodic resync
// bounds how long that can go unnoticed.
func (s *Store) broadcastLocked(ev store.Event) {
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}
