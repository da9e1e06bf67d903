// Package store defines the authoritative incident store interface and the
// change-feed event types the reconciler consumes. Implementations live in
// the memstore and pgstore subpackages.
package store

import (
	"context"
	"errors"

	"github.com/linnemanlabs/sitrep/internal/incident"
)

// ErrNotFound is returned by actions targeting an unknown incident ID.
var ErrNotFound = errors.New("incident not found")

// Op is the kind of change-feed event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one change-feed notification. Insert and Update carry the full
// authoritative row; Delete carries only the ID.
type Event struct {
	Op       Op
	ID       string
	Incident *incident.Incident
}

// Store is the authoritative record store. The engine only ever writes
// through it; the reconciler's projection is updated exclusively by the
// change feed and full scans re-entering through List.
type Store interface {
	// List returns a full scan of all incidents, used for resync.
	List(ctx context.Context) ([]incident.Incident, error)

	// Watch returns the change feed. The channel is closed when the feed
	// breaks or ctx is cancelled; callers re-subscribe and resync.
	Watch(ctx context.Context) (<-chan Event, error)

	// Create validates nothing itself: callers validate the input first.
	// The store assigns id, created_at, status=Open, verified=false.
	Create(ctx context.Context, in incident.CreateInput) (*incident.Incident, error)

	// SetVerified marks the incident verified. One-way and idempotent.
	SetVerified(ctx context.Context, id string) (*incident.Incident, error)

	// SetResolved marks the incident resolved. One-way and idempotent.
	SetResolved(ctx context.Context, id string) (*incident.Incident, error)
}
