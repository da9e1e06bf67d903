// Package verify builds the community-verification queue and mediates the
// two terminal human actions, verify and flag-as-resolved. Distance,
// confidence, and the spam flag are display heuristics layered over the
// reconciler's snapshot; the analyzer never mutates the projection itself.
package verify

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sitrep/internal/incident"
)

// ActionStore is the slice of the store the analyzer writes through. The
// resulting state change is only observed back via the change feed; the
// analyzer does not treat the call's response as authoritative for the
// projection.
type ActionStore interface {
	SetVerified(ctx context.Context, id string) (*incident.Incident, error)
	SetResolved(ctx context.Context, id string) (*incident.Incident, error)
}

// Notifier receives verified incidents worth escalating.
type Notifier interface {
	Send(ctx context.Context, inc *incident.Incident) error
}

// Config holds the analyzer's tunable heuristics. These thresholds are
// operational knobs, not statistical ground truth.
type Config struct {
	// GeofenceKm marks incidents within this distance of the observer.
	// Geofencing highlights, it never hides.
	GeofenceKm float64

	// SpamThreshold flags a location once more than this many reports land
	// inside SpamWindow.
	SpamThreshold int

	// SpamWindow is the recency window for duplicate-report counting.
	SpamWindow time.Duration

	// ActionTimeout bounds each Verify/Flag store call.
	ActionTimeout time.Duration
}

// DefaultConfig returns the deployed heuristic defaults.
func DefaultConfig() Config {
	return Config{
		GeofenceKm:    10,
		SpamThreshold: 3,
		SpamWindow:    time.Hour,
		ActionTimeout: 5 * time.Second,
	}
}

// Item is one verification-queue entry: an unverified incident annotated
// with the signals a reviewer triages by.
type Item struct {
	Incident          incident.Incident `json:"incident"`
	DistanceKm        *float64          `json:"distance_km,omitempty"`
	Confidence        int               `json:"confidence"`
	RecentReportCount int               `json:"recent_report_count"`
	SpamFlag          bool              `json:"spam_flag"`
	IsGeofenced       bool              `json:"is_geofenced"`
}

// Analyzer computes the verification queue and issues verify/flag requests.
type Analyzer struct {
	store    ActionStore
	cfg      Config
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
}

// New creates an Analyzer. notifier may be nil.
func New(store ActionStore, cfg Config, logger log.Logger, metrics *Metrics, notifier Notifier) *Analyzer {
	if store == nil {
		panic(xerrors.New("action store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if cfg.GeofenceKm <= 0 {
		cfg.GeofenceKm = DefaultConfig().GeofenceKm
	}
	if cfg.SpamThreshold <= 0 {
		cfg.SpamThreshold = DefaultConfig().SpamThreshold
	}
	if cfg.SpamWindow <= 0 {
		cfg.SpamWindow = DefaultConfig().SpamWindow
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultConfig().ActionTimeout
	}
	return &Analyzer{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
	}
}

// Confidence is a bounded display heuristic, not a probability. It stays
// within [10,100] for any valid incident so the UI scale is stable.
func Confidence(inc *incident.Incident) int {
	score := 30
	switch inc.Severity {
	case incident.SeverityCritical:
		score += 30
	case incident.SeverityHigh:
		score += 20
	default:
		score += 10
	}
	score += int(math.Round(inc.Panic * 40))
	if inc.Verified {
		score += 20
	}
	return clamp(score, 10, 100)
}

// RecentReportCount counts incidents sharing the incident's normalized
// location key created within the window ending at now, itself included.
func (a *Analyzer) RecentReportCount(inc *incident.Incident, all []incident.Incident, now time.Time) int {
	counts := a.recentCounts(all, now)
	return counts[locationKey(inc.Location)]
}

// SpamFlag reports whether a recent-report count crosses the duplicate-
// reporting threshold. Exactly threshold reports is still fine; one more
// trips the flag.
func (a *Analyzer) SpamFlag(recentReportCount int) bool {
	return recentReportCount > a.cfg.SpamThreshold
}

// IsGeofenced reports whether a known distance falls inside the configured
// radius. Unknown distance is never geofenced.
func (a *Analyzer) IsGeofenced(distanceKm *float64) bool {
	return distanceKm != nil && *distanceKm <= a.cfg.GeofenceKm
}

// Queue returns the verification queue for the given snapshot: unverified,
// unresolved incidents sorted most recent first. The reviewer's job is to
// triage the newest unconfirmed claims, so ordering here is recency-first,
// deliberately different from the urgency-first primary feed. observer may
// be nil, in which case distances are unknown rather than zero.
func (a *Analyzer) Queue(snapshot []incident.Incident, observer *Coords, now time.Time) []Item {
	counts := a.recentCounts(snapshot, now)

	pending := make([]incident.Incident, 0, len(snapshot))
	for _, inc := range snapshot {
		if inc.Verified || inc.Status == incident.StatusResolved {
			continue
		}
		pending = append(pending, inc)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.After(pending[j].CreatedAt)
		}
		return pending[i].ID > pending[j].ID
	})

	items := make([]Item, 0, len(pending))
	for _, inc := range pending {
		var dist *float64
		if observer != nil {
			d := DistanceKm(*observer, Coords{Lat: inc.Lat, Lng: inc.Lng})
			dist = &d
		}
		count := counts[locationKey(inc.Location)]
		items = append(items, Item{
			Incident:          inc,
			DistanceKm:        dist,
			Confidence:        Confidence(&inc),
			RecentReportCount: count,
			SpamFlag:          a.SpamFlag(count),
			IsGeofenced:       a.IsGeofenced(dist),
		})
	}
	return items
}

// Verify requests the store mark the incident verified. Idempotent at the
// store; not retried here, because a silent retry could race the change feed
// into a duplicate state-changing call. A verified Critical incident is
// escalated to the notifier asynchronously.
func (a *Analyzer) Verify(ctx context.Context, id string) (*incident.Incident, error) {
	actx, cancel := context.WithTimeout(ctx, a.cfg.ActionTimeout)
	defer cancel()

	inc, err := a.store.SetVerified(actx, id)
	if err != nil {
		a.metrics.Actions.WithLabelValues("verify", "error").Inc()
		a.logger.Error(ctx, err, "verify request failed", "id", id)
		return nil, err
	}
	a.metrics.Actions.WithLabelValues("verify", "ok").Inc()
	a.logger.Info(ctx, "incident verified", "id", id, "severity", string(inc.Severity))

	if a.notifier != nil && inc.Severity == incident.SeverityCritical {
		go func(cp incident.Incident) {
			nctx, ncancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ActionTimeout)
			defer ncancel()
			if err := a.notifier.Send(nctx, &cp); err != nil {
				a.logger.Error(nctx, err, "verified-incident notification failed", "id", cp.ID)
			}
		}(*inc)
	}
	return inc, nil
}

// Flag requests the store mark the incident resolved ("fake/resolved" in the
// reviewer UI). Same timeout and no-retry policy as Verify.
func (a *Analyzer) Flag(ctx context.Context, id string) (*incident.Incident, error) {
	actx, cancel := context.WithTimeout(ctx, a.cfg.ActionTimeout)
	defer cancel()

	inc, err := a.store.SetResolved(actx, id)
	if err != nil {
		a.metrics.Actions.WithLabelValues("flag", "error").Inc()
		a.logger.Error(ctx, err, "flag request failed", "id", id)
		return nil, err
	}
	a.metrics.Actions.WithLabelValues("flag", "ok").Inc()
	a.logger.Info(ctx, "incident flagged resolved", "id", id)
	return inc, nil
}

// recentCounts tallies reports per normalized location key within the spam
// window. The count includes resolved and verified incidents: a burst is a
// burst regardless of what later happened to its members.
func (a *Analyzer) recentCounts(all []incident.Incident, now time.Time) map[string]int {
	cutoff := now.Add(-a.cfg.SpamWindow)
	counts := make(map[string]int)
	for _, inc := range all {
		if inc.CreatedAt.Before(cutoff) {
			continue
		}
		counts[locationKey(inc.Location)]++
	}
	return counts
}

// locationKey normalizes the free-text location label for duplicate
// grouping. It is a grouping key only, never geocoded.
func locationKey(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
