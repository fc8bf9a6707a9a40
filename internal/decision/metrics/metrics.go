package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the resolution pipeline.
type Metrics struct {
	// Decision outcomes by type and source system
	DecisionOutcome *prometheus.CounterVec

	// Full resolve latency, gate to commit
	ResolveLatency prometheus.Histogram

	// Candidates evaluated per resolution
	CandidatesEvaluated prometheus.Histogram

	// Potential duplicates flagged
	DuplicatesFlagged prometheus.Counter

	// Identifier uniqueness races converted to auto-matches
	IdentifierRaces prometheus.Counter
}

// New creates a Metrics instance with all pipeline metrics registered.
func New() *Metrics {
	return &Metrics{
		DecisionOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trapline_decision_outcomes_total",
			Help: "Total resolution outcomes by decision type and source system",
		}, []string{"type", "source"}),

		ResolveLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "trapline_resolve_duration_seconds",
			Help:    "Duration of full record resolution including store writes",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		CandidatesEvaluated: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "trapline_resolve_candidates_evaluated",
			Help:    "Candidates scored per resolution",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		DuplicatesFlagged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trapline_potential_duplicates_flagged_total",
			Help: "Potential-duplicate flags written for staff adjudication",
		}),

		IdentifierRaces: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trapline_identifier_races_total",
			Help: "Concurrent identifier claims converted to auto-matches",
		}),
	}
}

// IncrementOutcome records a resolution outcome.
func (m *Metrics) IncrementOutcome(decisionType, source string) {
	if m != nil {
		m.DecisionOutcome.WithLabelValues(decisionType, source).Inc()
	}
}

// ObserveResolveLatency records the total resolution duration.
func (m *Metrics) ObserveResolveLatency(d time.Duration) {
	if m != nil {
		m.ResolveLatency.Observe(d.Seconds())
	}
}

// ObserveCandidates records how many candidates were scored.
func (m *Metrics) ObserveCandidates(n int) {
	if m != nil {
		m.CandidatesEvaluated.Observe(float64(n))
	}
}

// IncrementDuplicatesFlagged records a written potential-duplicate flag.
func (m *Metrics) IncrementDuplicatesFlagged() {
	if m != nil {
		m.DuplicatesFlagged.Inc()
	}
}

// IncrementIdentifierRaces records a uniqueness race resolved as a match.
func (m *Metrics) IncrementIdentifierRaces() {
	if m != nil {
		m.IdentifierRaces.Inc()
	}
}
