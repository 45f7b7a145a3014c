package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// decisionsTotal counts routing decisions by chosen strategy and the rule
// that produced them.
var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "triaged",
		Subsystem: "supervisor",
		Name:      "decisions_total",
		Help:      "Total number of routing decisions",
	},
	[]string{"strategy", "rule"},
)
