package ticketstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	backendPostgres = "postgres"
	backendQdrant   = "qdrant"

	modeVector  = "vector"
	modeKeyword = "keyword"
	modeHybrid  = "hybrid"

	labelPrimary  = "primary"
	labelFallback = "fallback"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	// searchDuration tracks how long searches take per backend and mode.
	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "triaged",
			Subsystem: "ticketstore",
			Name:      "search_duration_seconds",
			Help:      "Duration of ticket store searches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "mode"},
	)

	// searchesTotal counts searches by outcome.
	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triaged",
			Subsystem: "ticketstore",
			Name:      "searches_total",
			Help:      "Total number of ticket store searches",
		},
		[]string{"backend", "mode", "result"},
	)

	// fallbackReadsTotal counts reads served by the fallback backend.
	fallbackReadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triaged",
			Subsystem: "ticketstore",
			Name:      "fallback_reads_total",
			Help:      "Total number of reads answered by the fallback backend",
		},
	)

	// backendSwitchesTotal counts auto-backend transitions.
	// Labels: to (primary, fallback)
	backendSwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triaged",
			Subsystem: "ticketstore",
			Name:      "backend_switches_total",
			Help:      "Total number of health-gated backend switches",
		},
		[]string{"to"},
	)

	// backendHealthy reports the monitored state (1=healthy, 0=unhealthy).
	backendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "triaged",
			Subsystem: "ticketstore",
			Name:      "backend_healthy",
			Help:      "Monitored backend health (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)
)

func observeSearch(backend, mode string, start time.Time, err error) {
	searchDuration.WithLabelValues(backend, mode).Observe(time.Since(start).Seconds())
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	searchesTotal.WithLabelValues(backend, mode, result).Inc()
}

func setBackendHealthy(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	backendHealthy.WithLabelValues(backend).Set(v)
}
