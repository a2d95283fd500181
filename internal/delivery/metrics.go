package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sendlater"

var (
	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "emails_total",
			Help:      "Total delivery job outcomes",
		},
		[]string{"outcome"},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time from job claim to SMTP acceptance",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	batchesClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "jobs_claimed_total",
			Help:      "Total jobs claimed from the queue (before send attempt)",
		},
	)
)

// recordDelivery records a delivery job outcome.
func recordDelivery(outcome string) {
	deliveries.WithLabelValues(outcome).Inc()
}

// recordDeliveryDuration records the send latency for a successful delivery.
func recordDeliveryDuration(duration time.Duration) {
	deliveryDuration.Observe(duration.Seconds())
}

// recordBatchClaimed records how many jobs a poll cycle claimed.
func recordBatchClaimed(count int) {
	batchesClaimed.Add(float64(count))
}
