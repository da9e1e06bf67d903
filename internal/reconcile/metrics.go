package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the reconciliation subsystem.
type Metrics struct {
	EventsApplied  *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	Resyncs        *prometheus.CounterVec
	ResyncDuration prometheus.Histogram
	FeedReconnects prometheus.Counter
	ProjectionSize prometheus.Gauge
	LastSyncTime   prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitrep_feed_events_applied_total",
			Help: "Change-feed events applied to the projection, by operation.",
		}, []string{"op"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitrep_feed_events_dropped_total",
			Help: "Change-feed events dropped instead of applied, by reason.",
		}, []string{"reason"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitrep_resyncs_total",
			Help: "Full resync attempts by outcome.",
		}, []string{"outcome"}),
		ResyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitrep_resync_duration_seconds",
			Help:    "Duration of successful full resyncs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitrep_feed_reconnects_total",
			Help: "Times the change feed closed and was re-subscribed.",
		}),
		ProjectionSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitrep_projection_incidents",
			Help: "Incidents currently held in the projection.",
		}),
		LastSyncTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitrep_last_resync_timestamp_seconds",
			Help: "Unix time of the last successful full resync.",
		}),
	}
}

// NewMetrics registers and returns reconciler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(
		m.EventsApplied,
		m.EventsDropped,
		m.Resyncs,
		m.ResyncDuration,
		m.FeedReconnects,
		m.ProjectionSize,
		m.LastSyncTime,
	)
	return m
}

// NopMetrics returns unregistered metrics for tests and callers that do not
// export.
func NopMetrics() *Metrics {
	return newMetrics()
}
