package senders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/okutsev/sendlater/internal/domain"
	"github.com/okutsev/sendlater/internal/smtp"
)

const defaultRateLimit = 100

// CredentialVerifier checks SMTP credentials against the mail endpoint.
type CredentialVerifier interface {
	Verify(ctx context.Context, creds smtp.Credentials) error
}

// Service provides sender management business logic.
type Service struct {
	repo     Repository
	verifier CredentialVerifier
}

// NewService creates a new senders service.
func NewService(repo Repository, verifier CredentialVerifier) *Service {
	return &Service{repo: repo, verifier: verifier}
}

// CreateInput contains fields for creating a sender.
type CreateInput struct {
	Name      string
	Email     string
	SMTPUser  string
	SMTPPass  string
	RateLimit int
}

// UpdateInput contains the mutable sender fields. Nil means unchanged.
type UpdateInput struct {
	Name      *string
	RateLimit *int
	IsActive  *bool
}

// CreateSender verifies the SMTP credentials and creates a sender.
func (s *Service) CreateSender(ctx context.Context, in CreateInput) (*domain.Sender, error) {
	existing, err := s.repo.GetByEmail(ctx, in.Email)
	if err != nil && !errors.Is(err, ErrSenderNotFound) {
		return nil, fmt.Errorf("check sender email: %w", err)
	}
	if existing != nil {
		return nil, ErrSenderEmailExists
	}

	if err := s.verifier.Verify(ctx, smtp.Credentials{Username: in.SMTPUser, Password: in.SMTPPass}); err != nil {
		slog.Warn("smtp credential verification failed", "email", in.Email, "error", err)
		return nil, ErrBadCredentials
	}

	rateLimit := in.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}

	sender := &domain.Sender{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Email:     in.Email,
		SMTPUser:  in.SMTPUser,
		SMTPPass:  in.SMTPPass,
		RateLimit: rateLimit,
		IsActive:  true,
	}

	if err := s.repo.Create(ctx, sender); err != nil {
		return nil, err
	}

	slog.Info("sender created", "sender_id", sender.ID, "email", sender.Email)
	return sender, nil
}

// GetSender returns a sender by id.
func (s *Service) GetSender(ctx context.Context, id string) (*domain.Sender, error) {
	return s.repo.GetByID(ctx, id)
}

// ListSenders returns all senders.
func (s *Service) ListSenders(ctx context.Context) ([]domain.Sender, error) {
	return s.repo.List(ctx)
}

// UpdateSender applies the provided field changes.
func (s *Service) UpdateSender(ctx context.Context, id string, in UpdateInput) (*domain.Sender, error) {
	sender, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		sender.Name = *in.Name
	}
	if in.RateLimit != nil {
		sender.RateLimit = *in.RateLimit
	}
	if in.IsActive != nil {
		sender.IsActive = *in.IsActive
	}

	if err := s.repo.Update(ctx, sender); err != nil {
		return nil, err
	}

	return sender, nil
}

// DeleteSender removes a sender.
func (s *Service) DeleteSender(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
