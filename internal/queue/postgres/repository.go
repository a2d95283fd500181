// Package postgres provides the PostgreSQL implementation of the delayed job queue.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/okutsev/sendlater/internal/queue"
)

// Entry statuses as stored. Waiting rows with a future run_at read as delayed.
const (
	statusWaiting   = "waiting"
	statusActive    = "active"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

const defaultMaxAttempts = 3

// Repository implements queue.Queue using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts the job, or no-ops when an entry with that id already
// exists. The insert races safely with concurrent duplicates via the primary
// key conflict clause.
func (r *Repository) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	query := `
		INSERT INTO email_jobs (id, payload, status, run_at, max_attempts)
		VALUES ($1, $2, 'waiting', $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, job.ID, payload, job.RunAt, maxAttempts); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	return job.ID, nil
}

// Cancel deletes the entry while it has not started processing.
func (r *Repository) Cancel(ctx context.Context, id string) (bool, error) {
	query := `DELETE FROM email_jobs WHERE id = $1 AND status = 'waiting'`

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ChangeDelay moves a live entry to a new run time, keeping its identity.
func (r *Repository) ChangeDelay(ctx context.Context, id string, runAt time.Time) (bool, error) {
	query := `
		UPDATE email_jobs
		SET run_at = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('waiting', 'active')
	`
	result, err := r.db.Exec(ctx, query, id, runAt)
	if err != nil {
		return false, fmt.Errorf("change delay: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// State reports the entry state, queue.StateMissing when no row exists.
func (r *Repository) State(ctx context.Context, id string) (queue.State, error) {
	query := `SELECT status, run_at > NOW() FROM email_jobs WHERE id = $1`

	var status string
	var delayed bool
	err := r.db.QueryRow(ctx, query, id).Scan(&status, &delayed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.StateMissing, nil
		}
		return "", fmt.Errorf("get job state: %w", err)
	}

	if status == statusWaiting && delayed {
		return queue.StateDelayed, nil
	}
	return queue.State(status), nil
}

// Claim marks up to limit due entries active and returns them. SKIP LOCKED
// keeps concurrent claimers from observing the same entry, which is what
// guarantees at most one active consumer per job.
func (r *Repository) Claim(ctx context.Context, limit int) ([]queue.Job, error) {
	query := `
		WITH due AS (
			SELECT id FROM email_jobs
			WHERE status = 'waiting' AND run_at <= NOW()
			ORDER BY run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_jobs j
		SET status = 'active', locked_at = NOW(), updated_at = NOW()
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.payload, j.run_at, j.attempts, j.max_attempts,
			COALESCE(j.last_error, ''), j.created_at, j.updated_at
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]queue.Job, 0, limit)
	for rows.Next() {
		var job queue.Job
		var payload []byte
		err := rows.Scan(
			&job.ID,
			&payload,
			&job.RunAt,
			&job.Attempts,
			&job.MaxAttempts,
			&job.LastError,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for job %s: %w", job.ID, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, nil
}

// Complete settles an active entry as successfully processed.
func (r *Repository) Complete(ctx context.Context, id string) error {
	query := `
		UPDATE email_jobs
		SET status = 'completed', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	return r.settle(ctx, query, id)
}

// Retry returns an active entry to waiting at runAt, consuming one attempt.
func (r *Repository) Retry(ctx context.Context, id string, cause error, runAt time.Time) error {
	query := `
		UPDATE email_jobs
		SET status = 'waiting', attempts = attempts + 1, last_error = $2,
			run_at = $3, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	result, err := r.db.Exec(ctx, query, id, cause.Error(), runAt)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrNotActive
	}
	return nil
}

// Snooze returns an active entry to waiting without touching its attempt
// count. The new run time is set beforehand via ChangeDelay.
func (r *Repository) Snooze(ctx context.Context, id string) error {
	query := `
		UPDATE email_jobs
		SET status = 'waiting', locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	return r.settle(ctx, query, id)
}

// Fail settles an active entry as terminally failed.
func (r *Repository) Fail(ctx context.Context, id string, cause error) error {
	query := `
		UPDATE email_jobs
		SET status = 'failed', last_error = $2, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	result, err := r.db.Exec(ctx, query, id, cause.Error())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrNotActive
	}
	return nil
}

// ReleaseStale recovers entries orphaned by a crashed consumer.
func (r *Repository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE email_jobs
		SET status = 'waiting', locked_at = NULL, updated_at = NOW()
		WHERE status = 'active' AND locked_at < NOW() - make_interval(secs => $1)
	`
	result, err := r.db.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// Stats returns entry counts by state.
func (r *Repository) Stats(ctx context.Context) (*queue.Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'waiting' AND run_at <= NOW()),
			COUNT(*) FILTER (WHERE status = 'waiting' AND run_at > NOW()),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM email_jobs
	`
	var stats queue.Stats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Waiting,
		&stats.Delayed,
		&stats.Active,
		&stats.Completed,
		&stats.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

func (r *Repository) settle(ctx context.Context, query, id string) error {
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("settle job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrNotActive
	}
	return nil
}
