package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestDuration tracks end-to-end request latency by strategy and
	// outcome (success, fallback, workflow_failed, cancelled, timeout).
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "triaged",
			Subsystem: "workflow",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"strategy", "outcome"},
	)

	// stageDuration tracks per-stage latency.
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "triaged",
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// fallbacksTotal counts degraded Compression passes by the strategy
	// that failed.
	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triaged",
			Subsystem: "workflow",
			Name:      "fallbacks_total",
			Help:      "Total number of fallback retrieval passes",
		},
		[]string{"strategy"},
	)
)

func observeRequest(strategy, outcome string, total time.Duration) {
	requestDuration.WithLabelValues(strategy, outcome).Observe(total.Seconds())
}
