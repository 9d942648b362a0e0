package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are scoped to one Runner.
type metrics struct {
	registry *prometheus.Registry

	// runs counts finished runs. Labels: status (completed, skipped, failed)
	runs *prometheus.CounterVec

	// stageDuration measures wall time per stage. Labels: stage, outcome (ok, failed)
	stageDuration *prometheus.HistogramVec

	// resolveAmbiguities counts families that matched more files than expected.
	// Labels: family
	resolveAmbiguities *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmriflow",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "First-level runs by final status",
		}, []string{"status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fmriflow",
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Stage wall time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage", "outcome"}),
		resolveAmbiguities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fmriflow",
			Subsystem: "resolve",
			Name:      "ambiguous_matches_total",
			Help:      "Input families that matched more files than expected",
		}, []string{"family"}),
	}
}
