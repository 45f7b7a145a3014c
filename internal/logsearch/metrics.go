package logsearch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	// searchDuration tracks log store call latency.
	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "triaged",
			Subsystem: "logsearch",
			Name:      "search_duration_seconds",
			Help:      "Duration of log store searches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// searchesTotal counts log store calls by outcome.
	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triaged",
			Subsystem: "logsearch",
			Name:      "searches_total",
			Help:      "Total number of log store searches",
		},
		[]string{"provider", "result"},
	)

	// breakerState reports the log store circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "triaged",
			Subsystem: "logsearch",
			Name:      "breaker_state",
			Help:      "Log store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)
)

func observeSearch(provider string, start time.Time, err error) {
	searchDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	searchesTotal.WithLabelValues(provider, result).Inc()
}

func setBreakerState(provider string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(provider).Set(v)
}
