// Package senders provides sender account management.
package senders

import (
	"context"

	"github.com/okutsev/sendlater/internal/domain"
)

// Repository defines the interface for sender data access.
type Repository interface {
	Create(ctx context.Context, sender *domain.Sender) error
	GetByID(ctx context.Context, id string) (*domain.Sender, error)
	GetByEmail(ctx context.Context, email string) (*domain.Sender, error)
	List(ctx context.Context) ([]domain.Sender, error)
	Update(ctx context.Context, sender *domain.Sender) error
	Delete(ctx context.Context, id string) error
}
