// Package postgres provides the durable PostgreSQL counter store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/okutsev/sendlater/internal/ratelimit"
)

// CounterStore implements ratelimit.CounterStore on PostgreSQL. It keeps one
// row per (sender, hour window); the global bucket is not materialized but
// read as the sum of all sender rows sharing the window.
type CounterStore struct {
	db *pgxpool.Pool
}

// NewCounterStore creates a PostgreSQL counter store.
func NewCounterStore(db *pgxpool.Pool) *CounterStore {
	return &CounterStore{db: db}
}

// Count returns the bucket value for the subject, zero when absent.
func (s *CounterStore) Count(ctx context.Context, subject string, window time.Time) (int64, error) {
	if subject == ratelimit.GlobalSubject {
		return s.globalCount(ctx, window)
	}

	query := `
		SELECT COALESCE(
			(SELECT email_count FROM rate_windows WHERE subject = $1 AND hour_window = $2),
			0
		)
	`
	var count int64
	if err := s.db.QueryRow(ctx, query, subject, window).Scan(&count); err != nil {
		return 0, fmt.Errorf("read rate window: %w", err)
	}
	return count, nil
}

// Incr upserts the bucket row, adding one to its count.
// The global subject is never written; its count is an aggregate.
func (s *CounterStore) Incr(ctx context.Context, subject string, window time.Time) error {
	if subject == ratelimit.GlobalSubject {
		return nil
	}

	query := `
		INSERT INTO rate_windows (subject, hour_window, email_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (subject, hour_window)
		DO UPDATE SET email_count = rate_windows.email_count + 1, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, subject, window); err != nil {
		return fmt.Errorf("upsert rate window: %w", err)
	}
	return nil
}

func (s *CounterStore) globalCount(ctx context.Context, window time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(email_count), 0) FROM rate_windows WHERE hour_window = $1`

	var count int64
	if err := s.db.QueryRow(ctx, query, window).Scan(&count); err != nil {
		return 0, fmt.Errorf("sum rate windows: %w", err)
	}
	return count, nil
}
