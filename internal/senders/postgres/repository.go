// Package postgres provides PostgreSQL implementation of senders repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/okutsev/sendlater/internal/domain"
	"github.com/okutsev/sendlater/internal/senders"
)

const senderColumns = `id, name, email, smtp_user, smtp_pass, rate_limit, is_active, created_at, updated_at`

// Repository implements senders.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new sender.
func (r *Repository) Create(ctx context.Context, sender *domain.Sender) error {
	query := `
		INSERT INTO senders (id, name, email, smtp_user, smtp_pass, rate_limit, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		sender.ID,
		sender.Name,
		sender.Email,
		sender.SMTPUser,
		sender.SMTPPass,
		sender.RateLimit,
		sender.IsActive,
	).Scan(&sender.CreatedAt, &sender.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return senders.ErrSenderEmailExists
		}
		return fmt.Errorf("create sender: %w", err)
	}
	return nil
}

// GetByID retrieves a sender by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Sender, error) {
	query := `SELECT ` + senderColumns + ` FROM senders WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a sender by email address.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*domain.Sender, error) {
	query := `SELECT ` + senderColumns + ` FROM senders WHERE email = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, email))
}

// List retrieves all senders, newest first.
func (r *Repository) List(ctx context.Context) ([]domain.Sender, error) {
	query := `SELECT ` + senderColumns + ` FROM senders ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	list := make([]domain.Sender, 0)
	for rows.Next() {
		var sender domain.Sender
		if err := scanSender(rows, &sender); err != nil {
			return nil, fmt.Errorf("scan sender: %w", err)
		}
		list = append(list, sender)
	}
	return list, rows.Err()
}

// Update persists the mutable sender fields.
func (r *Repository) Update(ctx context.Context, sender *domain.Sender) error {
	query := `
		UPDATE senders
		SET name = $2, rate_limit = $3, is_active = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		sender.ID,
		sender.Name,
		sender.RateLimit,
		sender.IsActive,
	).Scan(&sender.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return senders.ErrSenderNotFound
		}
		return fmt.Errorf("update sender: %w", err)
	}
	return nil
}

// Delete removes a sender.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM senders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sender: %w", err)
	}
	if result.RowsAffected() == 0 {
		return senders.ErrSenderNotFound
	}
	return nil
}

func (r *Repository) scanOne(row pgx.Row) (*domain.Sender, error) {
	var sender domain.Sender
	if err := scanSender(row, &sender); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, senders.ErrSenderNotFound
		}
		return nil, fmt.Errorf("get sender: %w", err)
	}
	return &sender, nil
}

func scanSender(row pgx.Row, sender *domain.Sender) error {
	return row.Scan(
		&sender.ID,
		&sender.Name,
		&sender.Email,
		&sender.SMTPUser,
		&sender.SMTPPass,
		&sender.RateLimit,
		&sender.IsActive,
		&sender.CreatedAt,
		&sender.UpdatedAt,
	)
}
