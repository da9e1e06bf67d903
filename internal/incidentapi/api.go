// Package incidentapi exposes the triage engine over HTTP: the urgency feed,
// submission intake, the verification queue, and the two reviewer actions.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sitrep/internal/classify"
	"github.com/linnemanlabs/sitrep/internal/incident"
	"github.com/linnemanlabs/sitrep/internal/triage"
	"github.com/linnemanlabs/sitrep/internal/verify"
)

// FeedSource produces the urgency-ordered incident feed; satisfied by
// triage.Feed.
type FeedSource interface {
	Sorted(now time.Time) ([]triage.ScoredIncident, time.Time)
}

// Projection is the reconciler's read surface used by the verification queue.
type Projection interface {
	Snapshot() []incident.Incident
	LastSynced() time.Time
}

// Reviewer mediates the verification queue and the two terminal actions;
// satisfied by verify.Analyzer.
type Reviewer interface {
	Queue(snapshot []incident.Incident, observer *verify.Coords, now time.Time) []verify.Item
	Verify(ctx context.Context, id string) (*incident.Incident, error)
	Flag(ctx context.Context, id string) (*incident.Incident, error)
}

// Creator is the store's intake surface.
type Creator interface {
	Create(ctx context.Context, in incident.CreateInput) (*incident.Incident, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	feed       FeedSource
	projection Projection
	reviewer   Reviewer
	creator    Creator
	classifier classify.Classifier

	// now is swappable for tests.
	now func() time.Time
}

// New creates a new API handler. classifier may be nil, in which case
// unlabeled submissions are rejected instead of classified.
func New(logger log.Logger, feed FeedSource, projection Projection, reviewer Reviewer, creator Creator, classifier classify.Classifier) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if feed == nil || projection == nil || reviewer == nil || creator == nil {
		panic(xerrors.New("feed, projection, reviewer and creator are required"))
	}
	return &API{
		logger:     logger,
		feed:       feed,
		projection: projection,
		reviewer:   reviewer,
		creator:    creator,
		classifier: classifier,
		now:        time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router. auth wraps the
// mutating routes only; reads stay open to the dashboard.
func (a *API) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/incidents", a.handleFeed)
		r.Get("/verification/queue", a.handleQueue)

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/incidents", a.handleCreate)
			r.Post("/incidents/{id}/verify", a.handleVerify)
			r.Post("/incidents/{id}/resolve", a.handleResolve)
		})
	})
}

func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	scored, lastSynced := a.feed.Sorted(a.now())
	if scored == nil {
		scored = []triage.ScoredIncident{}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("sitrep.feed.size", len(scored)))

	writeFeedHeaders(w, lastSynced)
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents":      scored,
		"last_synced_at": encodeSyncTime(lastSynced),
	})
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	observer, err := observerFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snapshot := a.projection.Snapshot()
	lastSynced := a.projection.LastSynced()
	items := a.reviewer.Queue(snapshot, observer, a.now())
	if items == nil {
		items = []verify.Item{}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("sitrep.queue.size", len(items)))

	writeFeedHeaders(w, lastSynced)
	writeJSON(w, http.StatusOK, map[string]any{
		"items":          items,
		"last_synced_at": encodeSyncTime(lastSynced),
	})
}

// observerFromQuery parses the optional lat/lng pair. Supplying one without
// the other is a client error; a half-known position cannot anchor distances.
func observerFromQuery(r *http.Request) (*verify.Coords, error) {
	latStr := r.URL.Query().Get("lat")
	lngStr := r.URL.Query().Get("lng")
	if latStr == "" && lngStr == "" {
		return nil, nil
	}
	if latStr == "" || lngStr == "" {
		return nil, xerrors.New("lat and lng must be supplied together")
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, xerrors.New("lat must be a number")
	}
	lng, err := strconv.ParseFloat(lngStr, 64)
	if err != nil {
		return nil, xerrors.New("lng must be a number")
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, xerrors.New("lat/lng out of range")
	}
	return &verify.Coords{Lat: lat, Lng: lng}, nil
}

func writeFeedHeaders(w http.ResponseWriter, lastSynced time.Time) {
	if !lastSynced.IsZero() {
		w.Header().Set("X-Last-Synced", lastSynced.UTC().Format(time.RFC3339Nano))
	}
}

// encodeSyncTime renders the last successful resync, or null before the
// first one completes.
func encodeSyncTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
