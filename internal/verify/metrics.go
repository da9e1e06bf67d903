package verify

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for verification actions.
type Metrics struct {
	Actions *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitrep_verify_actions_total",
			Help: "Verify/flag actions issued to the store, by action and outcome.",
		}, []string{"action", "outcome"}),
	}
}

// NewMetrics registers and returns verification metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.Actions)
	return m
}

// NopMetrics returns unregistered metrics for tests.
func NopMetrics() *Metrics {
	return newMetrics()
}
