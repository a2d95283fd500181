package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sendlater"

var queueSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "size",
		Help:      "Number of queue entries by state",
	},
	[]string{"state"},
)

// RecordStats updates queue size metrics.
func RecordStats(stats *Stats) {
	queueSize.WithLabelValues(string(StateWaiting)).Set(float64(stats.Waiting))
	queueSize.WithLabelValues(string(StateDelayed)).Set(float64(stats.Delayed))
	queueSize.WithLabelValues(string(StateActive)).Set(float64(stats.Active))
	queueSize.WithLabelValues(string(StateCompleted)).Set(float64(stats.Completed))
	queueSize.WithLabelValues(string(StateFailed)).Set(float64(stats.Failed))
}
