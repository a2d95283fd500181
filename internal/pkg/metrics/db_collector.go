package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// ObservePoolStats samples the pgx pool into the connection gauges. The app
// calls it periodically from the same loop that samples queue depth.
func ObservePoolStats(pool *pgxpool.Pool) {
	stats := pool.Stat()

	DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
}
