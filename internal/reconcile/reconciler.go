// Package reconcile maintains the canonical in-memory incident projection,
// fed by the store's change feed and bounded-staleness full resyncs.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sitrep/internal/incident"
	"github.com/linnemanlabs/sitrep/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sitrep/internal/reconcile")

// Source is the slice of the store the reconciler consumes.
type Source interface {
	List(ctx context.Context) ([]incident.Incident, error)
	Watch(ctx context.Context) (<-chan store.Event, error)
}

// Options tune the run loop. Zero values fall back to defaults.
type Options struct {
	// ResyncInterval is how often a full snapshot replaces the projection.
	// The change feed may silently drop events across disconnects; the
	// resync bounds how stale the projection can get.
	ResyncInterval time.Duration

	// FetchTimeout bounds each List call during resync.
	FetchTimeout time.Duration

	// RetryBackoff is the pause before re-subscribing after the feed breaks.
	RetryBackoff time.Duration
}

const (
	defaultResyncInterval = 60 * time.Second
	defaultFetchTimeout   = 5 * time.Second
	defaultRetryBackoff   = 2 * time.Second
)

func (o *Options) withDefaults() Options {
	out := *o
	if out.ResyncInterval <= 0 {
		out.ResyncInterval = defaultResyncInterval
	}
	if out.FetchTimeout <= 0 {
		out.FetchTimeout = defaultFetchTimeout
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = defaultRetryBackoff
	}
	return out
}

// entry tags each projected incident with the local time its last event was
// applied, so a resync snapshot cannot clobber a strictly newer delta.
type entry struct {
	inc       incident.Incident
	appliedAt time.Time
}

// Reconciler owns the projection. Run is the only writer; Snapshot and
// LastSynced are safe for concurrent readers and never block on the feed.
type Reconciler struct {
	source  Source
	logger  log.Logger
	metrics *Metrics
	opts    Options

	// now is swappable for tests.
	now func() time.Time

	mu         sync.RWMutex
	entries    map[string]entry
	lastSynced time.Time
}

// New constructs a Reconciler around the given source. The projection is
// empty until Run performs the startup resync (or ApplyEvent/FullResync are
// called directly in tests).
func New(source Source, logger log.Logger, metrics *Metrics, opts Options) *Reconciler {
	if logger == nil {
		logger = log.Nop()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Reconciler{
		source:  source,
		logger:  logger,
		metrics: metrics,
		opts:    opts.withDefaults(),
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// ApplyEvent applies one change-feed event. Insert and Update replace the
// record wholesale: the store is authoritative per id, so there is never a
// partial merge. Deletes of unknown ids are idempotent no-ops. Malformed
// events are dropped and logged, never fatal.
func (r *Reconciler) ApplyEvent(ev store.Event) {
	switch ev.Op {
	case store.OpInsert, store.OpUpdate:
		if ev.Incident == nil || ev.Incident.ID == "" {
			r.logger.Warn(context.Background(), "dropping malformed feed event", "op", string(ev.Op), "id", ev.ID)
			r.metrics.EventsDropped.WithLabelValues("malformed").Inc()
			return
		}
		now := r.now()
		r.mu.Lock()
		r.entries[ev.Incident.ID] = entry{inc: *ev.Incident, appliedAt: now}
		r.lastSynced = now
		size := len(r.entries)
		r.mu.Unlock()
		r.metrics.EventsApplied.WithLabelValues(string(ev.Op)).Inc()
		r.metrics.ProjectionSize.Set(float64(size))

	case store.OpDelete:
		if ev.ID == "" {
			r.metrics.EventsDropped.WithLabelValues("malformed").Inc()
			return
		}
		now := r.now()
		r.mu.Lock()
		delete(r.entries, ev.ID)
		r.lastSynced = now
		size := len(r.entries)
		r.mu.Unlock()
		r.metrics.EventsApplied.WithLabelValues(string(store.OpDelete)).Inc()
		r.metrics.ProjectionSize.Set(float64(size))

	default:
		r.logger.Warn(context.Background(), "dropping feed event with unknown op", "op", string(ev.Op))
		r.metrics.EventsDropped.WithLabelValues("unknown_op").Inc()
	}
}

// FullResync replaces the projection with the given snapshot, fetched at
// fetchedAt. Entries whose last delta applied after the fetch started are
// kept as-is: the snapshot is provably older than them, and a resync must
// not overwrite a strictly newer delta. Ids absent from the snapshot are
// dropped under the same rule.
func (r *Reconciler) FullResync(records []incident.Incident, fetchedAt time.Time) {
	next := make(map[string]entry, len(records))

	r.mu.Lock()
	for _, inc := range records {
		if inc.ID == "" {
			continue
		}
		if cur, ok := r.entries[inc.ID]; ok && cur.appliedAt.After(fetchedAt) {
			next[inc.ID] = cur
			continue
		}
		next[inc.ID] = entry{inc: inc, appliedAt: fetchedAt}
	}
	for id, cur := range r.entries {
		if _, ok := next[id]; !ok && cur.appliedAt.After(fetchedAt) {
			next[id] = cur
		}
	}
	r.entries = next
	r.lastSynced = r.now()
	size := len(r.entries)
	r.mu.Unlock()

	r.metrics.ProjectionSize.Set(float64(size))
	r.metrics.LastSyncTime.Set(float64(r.LastSynced().Unix()))
}

// Snapshot returns a copy of the current projection. It never blocks on the
// feed or on resync fetches; readers always get the last-known-good state.
func (r *Reconciler) Snapshot() []incident.Incident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]incident.Incident, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.inc)
	}
	return out
}

// LastSynced reports when the projection last changed from a feed event or
// completed a resync. Callers surface it as a staleness indicator rather
// than treating stale data as an error.
func (r *Reconciler) LastSynced() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSynced
}

// Run consumes the change feed and drives the periodic resync until ctx is
// cancelled. It is the single writer to the projection: the feed and the
// ticker are serialized by construction, so a resync can never interleave
// mid-write with a delta.
func (r *Reconciler) Run(ctx context.Context) {
	L := r.logger.With("component", "reconciler")

	feed := r.subscribe(ctx, L)
	r.resync(ctx, L)

	ticker := time.NewTicker(r.opts.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			L.Info(context.Background(), "reconciler stopped")
			return

		case <-ticker.C:
			r.resync(ctx, L)

		case ev, ok := <-feed:
			if !ok {
				L.Warn(ctx, "change feed closed, re-subscribing", "backoff", r.opts.RetryBackoff.String())
				r.metrics.FeedReconnects.Inc()
				select {
				case <-time.After(r.opts.RetryBackoff):
				case <-ctx.Done():
					return
				}
				feed = r.subscribe(ctx, L)
				// The feed may have dropped events while down; resync
				// immediately instead of waiting out the ticker.
				r.resync(ctx, L)
				continue
			}
			r.ApplyEvent(ev)
		}
	}
}

// subscribe obtains a feed channel, returning a closed channel on failure so
// the run loop retries through its normal reconnect path.
func (r *Reconciler) subscribe(ctx context.Context, L log.Logger) <-chan store.Event {
	feed, err := r.source.Watch(ctx)
	if err != nil {
		L.Error(ctx, err, "change feed subscription failed")
		closed := make(chan store.Event)
		close(closed)
		return closed
	}
	return feed
}

// resync fetches a full snapshot with a bounded timeout and applies it. A
// failed fetch leaves the last good projection in place: stale-but-available
// beats unavailable.
func (r *Reconciler) resync(ctx context.Context, L log.Logger) {
	ctx, span := tracer.Start(ctx, "reconcile.resync")
	defer span.End()

	fetchedAt := r.now()
	start := fetchedAt

	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	records, err := r.source.List(fetchCtx)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "resync fetch failed, keeping last good snapshot")
		r.metrics.Resyncs.WithLabelValues("error").Inc()
		return
	}

	r.FullResync(records, fetchedAt)

	dur := r.now().Sub(start)
	span.SetAttributes(attribute.Int("sitrep.resync.records", len(records)))
	r.metrics.Resyncs.WithLabelValues("ok").Inc()
	r.metrics.ResyncDuration.Observe(dur.Seconds())
	L.Info(ctx, "resync complete", "records", len(records), "duration", dur.Seconds())
}
