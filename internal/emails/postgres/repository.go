// Package postgres provides PostgreSQL implementation of emails repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/okutsev/sendlater/internal/domain"
	"github.com/okutsev/sendlater/internal/emails"
)

const emailColumns = `id, sender_id, recipient_email, recipient_name, subject, body,
	scheduled_at, sent_at, status, idempotency_key, job_id, error_message, attempts,
	created_at, updated_at`

// Repository implements emails.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new email record.
func (r *Repository) Create(ctx context.Context, email *domain.Email) error {
	query := `
		INSERT INTO emails (id, sender_id, recipient_email, recipient_name, subject, body,
			scheduled_at, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		email.ID,
		email.SenderID,
		email.RecipientEmail,
		email.RecipientName,
		email.Subject,
		email.Body,
		email.ScheduledAt,
		email.Status,
		email.IdempotencyKey,
	).Scan(&email.CreatedAt, &email.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return emails.ErrDuplicateKey
		}
		return fmt.Errorf("create email: %w", err)
	}
	return nil
}

// GetByID retrieves an email by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey retrieves an email by its idempotency key.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE idempotency_key = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, key))
}

// List retrieves a filtered page of emails, newest first, plus the total
// match count.
func (r *Repository) List(ctx context.Context, filter emails.ListFilter) ([]domain.Email, int64, error) {
	where := ` WHERE ($1 = '' OR status = $1) AND ($2 = '' OR sender_id::text = $2)`

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM emails`+where,
		string(filter.Status), filter.SenderID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count emails: %w", err)
	}

	query := `SELECT ` + emailColumns + ` FROM emails` + where + `
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Query(ctx, query, string(filter.Status), filter.SenderID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	list := make([]domain.Email, 0)
	for rows.Next() {
		var email domain.Email
		if err := scanEmail(rows, &email); err != nil {
			return nil, 0, fmt.Errorf("scan email: %w", err)
		}
		list = append(list, email)
	}
	return list, total, rows.Err()
}

// CountByStatus returns per-status counts, optionally scoped to one sender.
func (r *Repository) CountByStatus(ctx context.Context, senderID string) (map[domain.EmailStatus]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM emails
		WHERE ($1 = '' OR sender_id::text = $1)
		GROUP BY status
	`
	rows, err := r.db.Query(ctx, query, senderID)
	if err != nil {
		return nil, fmt.Errorf("count emails by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EmailStatus]int64)
	for rows.Next() {
		var status domain.EmailStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// MarkScheduled records queue acceptance.
func (r *Repository) MarkScheduled(ctx context.Context, id, jobID string) error {
	query := `
		UPDATE emails
		SET status = $2, job_id = $3, updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, query, id, domain.EmailStatusScheduled, jobID)
}

// MarkCancelled flips the record to cancelled.
func (r *Repository) MarkCancelled(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.EmailStatusCancelled)
}

// MarkProcessing flips the record to processing and increments its attempt
// counter in the same statement.
func (r *Repository) MarkProcessing(ctx context.Context, id string) error {
	query := `
		UPDATE emails
		SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, query, id, domain.EmailStatusProcessing)
}

// MarkRateLimited records a rate-limit denial.
func (r *Repository) MarkRateLimited(ctx context.Context, id, reason string) error {
	query := `
		UPDATE emails
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, query, id, domain.EmailStatusRateLimited, reason)
}

// Reschedule moves the scheduled time forward and returns the record to
// scheduled.
func (r *Repository) Reschedule(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE emails
		SET status = $2, scheduled_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, query, id, domain.EmailStatusScheduled, at)
}

// MarkFailed records a terminal delivery failure.
func (r *Repository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	query := `
		UPDATE emails
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, query, id, domain.EmailStatusFailed, errorMessage)
}

// MarkSent records a successful delivery and clears any prior error.
func (r *Repository) MarkSent(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE emails
		SET status = $2, sent_at = $3, error_message = '', updated_at = NOW()
		WHERE id = $1
	`
	return r.exec(ctx, query, id, domain.EmailStatusSent, at)
}

func (r *Repository) setStatus(ctx context.Context, id string, status domain.EmailStatus) error {
	query := `UPDATE emails SET status = $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, id, status)
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update email: %w", err)
	}
	if result.RowsAffected() == 0 {
		return emails.ErrEmailNotFound
	}
	return nil
}

func (r *Repository) scanOne(row pgx.Row) (*domain.Email, error) {
	var email domain.Email
	if err := scanEmail(row, &email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, emails.ErrEmailNotFound
		}
		return nil, fmt.Errorf("get email: %w", err)
	}
	return &email, nil
}

func scanEmail(row pgx.Row, email *domain.Email) error {
	return row.Scan(
		&email.ID,
		&email.SenderID,
		&email.RecipientEmail,
		&email.RecipientName,
		&email.Subject,
		&email.Body,
		&email.ScheduledAt,
		&email.SentAt,
		&email.Status,
		&email.IdempotencyKey,
		&email.JobID,
		&email.ErrorMessage,
		&email.Attempts,
		&email.CreatedAt,
		&email.UpdatedAt,
	)
}
