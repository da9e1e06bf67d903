// Package triage derives the urgency score that orders the primary incident
// feed. Scoring is a pure function of an incident snapshot and a clock; the
// constants are tunable heuristics, not validated statistics.
package triage

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/sitrep/internal/incident"
)

// Weights are the urgency scoring constants. Severity dominates, panic is a
// secondary amplifier, and recency decay fades old-but-uncritical reports
// without ever letting age alone bury a fresh Critical behind a fresh Medium.
type Weights struct {
	Critical     float64
	High         float64
	Medium       float64
	PanicGain    float64
	DecayPerHour float64
}

// DefaultWeights match the deployed constants: a fresh Medium report cannot
// outrank a Critical report younger than 20 hours.
func DefaultWeights() Weights {
	return Weights{
		Critical:     50,
		High:         30,
		Medium:       10,
		PanicGain:    20,
		DecayPerHour: 2,
	}
}

// RegisterFlags binds the weights to the given FlagSet.
func (w *Weights) RegisterFlags(fs *flag.FlagSet) {
	d := DefaultWeights()
	fs.Float64Var(&w.Critical, "weight-critical", d.Critical, "urgency weight for Critical severity")
	fs.Float64Var(&w.High, "weight-high", d.High, "urgency weight for High severity")
	fs.Float64Var(&w.Medium, "weight-medium", d.Medium, "urgency weight for Medium severity")
	fs.Float64Var(&w.PanicGain, "weight-panic-gain", d.PanicGain, "urgency points added at panic=1.0")
	fs.Float64Var(&w.DecayPerHour, "weight-decay-per-hour", d.DecayPerHour, "urgency points lost per hour of age")
}

// Validate rejects weights that invert the intended ordering.
func (w *Weights) Validate() error {
	var errs []error
	if w.Critical < w.High || w.High < w.Medium || w.Medium < 0 {
		errs = append(errs, fmt.Errorf("severity weights must be ordered Critical >= High >= Medium >= 0 (got %v/%v/%v)", w.Critical, w.High, w.Medium))
	}
	if w.PanicGain < 0 {
		errs = append(errs, fmt.Errorf("panic gain must be non-negative (got %v)", w.PanicGain))
	}
	if w.DecayPerHour < 0 {
		errs = append(errs, fmt.Errorf("decay per hour must be non-negative (got %v)", w.DecayPerHour))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// severityWeight maps severity rank to its base score. Low and anything
// unknown score zero.
func (w Weights) severityWeight(s incident.Severity) float64 {
	switch s {
	case incident.SeverityCritical:
		return w.Critical
	case incident.SeverityHigh:
		return w.High
	case incident.SeverityMedium:
		return w.Medium
	}
	return 0
}

// Score computes the urgency score for one incident at the given time. The
// result is unbounded above and used strictly for relative ordering. Decay
// is clamped at zero so clock skew or future-dated records cannot inflate a
// score.
func (w Weights) Score(inc *incident.Incident, now time.Time) float64 {
	score := w.severityWeight(inc.Severity)
	score += inc.Panic * w.PanicGain

	hours := now.Sub(inc.CreatedAt).Hours()
	if hours > 0 {
		score -= hours * w.DecayPerHour
	}
	return score
}

// ScoredIncident pairs an incident with its computed urgency score.
type ScoredIncident struct {
	incident.Incident
	UrgencyScore float64 `json:"urgency_score"`
}

// SortedFeed scores the given incidents and returns them sorted by urgency
// descending. Ties break by ID descending; IDs are ULIDs, so that means
// newest-created first and the ordering is deterministic.
func (w Weights) SortedFeed(incidents []incident.Incident, now time.Time) []ScoredIncident {
	out := make([]ScoredIncident, 0, len(incidents))
	for i := range incidents {
		out = append(out, ScoredIncident{
			Incident:     incidents[i],
			UrgencyScore: w.Score(&incidents[i], now),
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].UrgencyScore != out[b].UrgencyScore {
			return out[a].UrgencyScore > out[b].UrgencyScore
		}
		return out[a].ID > out[b].ID
	})
	return out
}
