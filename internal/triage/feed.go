package triage

import (
	"time"

	"github.com/linnemanlabs/sitrep/internal/incident"
)

// Snapshotter is the projection the feed reads; satisfied by
// reconcile.Reconciler.
type Snapshotter interface {
	Snapshot() []incident.Incident
	LastSynced() time.Time
}

// Feed composes the reconciler's projection with urgency scoring to produce
// the externally consumed incident list.
type Feed struct {
	src     Snapshotter
	weights Weights
}

// NewFeed creates a Feed over the given projection source.
func NewFeed(src Snapshotter, weights Weights) *Feed {
	return &Feed{src: src, weights: weights}
}

// Sorted returns resolved-excluded incidents ordered by urgency, plus the
// projection's last-synced time so callers can surface staleness instead of
// mistaking old data for missing data.
func (f *Feed) Sorted(now time.Time) ([]ScoredIncident, time.Time) {
	snap := f.src.Snapshot()
	active := snap[:0]
	for _, inc := range snap {
		if inc.Active() {
			active = append(active, inc)
		}
	}
	return f.weights.SortedFeed(active, now), f.src.LastSynced()
}
