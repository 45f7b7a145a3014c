package hooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triaged",
		Subsystem: "hooks",
		Name:      "rejections_total",
		Help:      "Requests rejected by pre-request hooks, by status code.",
	}, []string{"status"})

	recordFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "triaged",
		Subsystem: "hooks",
		Name:      "record_failures_total",
		Help:      "Post-request hook executions that returned an error.",
	})
)
