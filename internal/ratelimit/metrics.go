package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sendlater"

var rateLimitDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit check decisions by scope and outcome",
	},
	[]string{"scope", "outcome"},
)

// recordDecision records a rate-limit check outcome.
func recordDecision(scope, outcome string) {
	rateLimitDecisions.WithLabelValues(scope, outcome).Inc()
}
