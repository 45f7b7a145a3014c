package websearch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	// searchDuration tracks provider call latency.
	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "triaged",
			Subsystem: "websearch",
			Name:      "search_duration_seconds",
			Help:      "Duration of web provider searches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// searchesTotal counts provider calls by outcome.
	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triaged",
			Subsystem: "websearch",
			Name:      "searches_total",
			Help:      "Total number of web provider searches",
		},
		[]string{"provider", "result"},
	)

	// breakerState reports the provider circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "triaged",
			Subsystem: "websearch",
			Name:      "breaker_state",
			Help:      "Web provider circuit breaker state (0=closed, 1=half-open, 2=open)",
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
