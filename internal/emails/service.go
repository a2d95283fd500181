package emails

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/okutsev/sendlater/internal/domain"
	"github.com/okutsev/sendlater/internal/pkg/ctxlog"
	"github.com/okutsev/sendlater/internal/queue"
)

// SenderStore is the slice of the senders repository the service needs.
type SenderStore interface {
	GetByID(ctx context.Context, id string) (*domain.Sender, error)
}

// ScheduleInput carries a validated schedule request.
type ScheduleInput struct {
	SenderID       string
	RecipientEmail string
	RecipientName  string
	Subject        string
	Body           string
	ScheduledAt    time.Time
}

// EmailState pairs an email record with the live state of its delivery job.
type EmailState struct {
	Email    *domain.Email
	JobState queue.State
}

// Service implements email scheduling business logic.
type Service struct {
	repo        Repository
	senderStore SenderStore
	queue       queue.Queue
	maxAttempts int
}

// NewService creates a new email service instance.
func NewService(repo Repository, senderStore SenderStore, q queue.Queue, maxAttempts int) *Service {
	return &Service{
		repo:        repo,
		senderStore: senderStore,
		queue:       q,
		maxAttempts: maxAttempts,
	}
}

// ScheduleEmail creates an email record and enqueues a delivery job for its
// scheduled time. Requests carrying the same sender, recipient, subject and
// scheduled time collapse onto one record: the second return value reports
// whether a new record was created.
func (s *Service) ScheduleEmail(ctx context.Context, input ScheduleInput) (*domain.Email, bool, error) {
	logger := ctxlog.FromContext(ctx)

	key := IdempotencyKey(input.SenderID, input.RecipientEmail, input.Subject, input.ScheduledAt)

	existing, err := s.repo.GetByIdempotencyKey(ctx, key)
	if err != nil && !errors.Is(err, ErrEmailNotFound) {
		return nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing != nil {
		logger.InfoContext(ctx, "Duplicate schedule request",
			slog.String("email_id", existing.ID),
			slog.String("idempotency_key", key))
		return existing, false, nil
	}

	sender, err := s.senderStore.GetByID(ctx, input.SenderID)
	if err != nil {
		return nil, false, err
	}
	if !sender.IsActive {
		return nil, false, ErrSenderInactive
	}

	email := &domain.Email{
		ID:             uuid.NewString(),
		SenderID:       input.SenderID,
		RecipientEmail: input.RecipientEmail,
		RecipientName:  input.RecipientName,
		Subject:        input.Subject,
		Body:           input.Body,
		ScheduledAt:    input.ScheduledAt,
		Status:         domain.EmailStatusPending,
		IdempotencyKey: key,
	}

	if err := s.repo.Create(ctx, email); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Concurrent request won the insert race; return its record.
			winner, getErr := s.repo.GetByIdempotencyKey(ctx, key)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to fetch existing email: %w", getErr)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("failed to create email: %w", err)
	}

	job := queue.Job{
		ID: email.ID,
		Payload: queue.Payload{
			EmailID:        email.ID,
			SenderID:       email.SenderID,
			RecipientEmail: email.RecipientEmail,
			RecipientName:  email.RecipientName,
			Subject:        email.Subject,
			Body:           email.Body,
			ScheduledAt:    email.ScheduledAt,
		},
		RunAt:       email.ScheduledAt,
		MaxAttempts: s.maxAttempts,
	}

	jobID, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		// Record survives as pending without a job; operators can re-enqueue.
		logger.ErrorContext(ctx, "Failed to enqueue delivery job",
			slog.String("email_id", email.ID),
			slog.String("error", err.Error()))
		return email, true, nil
	}

	if err := s.repo.MarkScheduled(ctx, email.ID, jobID); err != nil {
		return nil, false, fmt.Errorf("failed to mark email scheduled: %w", err)
	}
	email.Status = domain.EmailStatusScheduled
	email.JobID = jobID

	logger.InfoContext(ctx, "Email scheduled",
		slog.String("email_id", email.ID),
		slog.String("sender_id", email.SenderID),
		slog.Time("scheduled_at", email.ScheduledAt))

	return email, true, nil
}

// CancelEmail cancels a not-yet-delivered email and removes its queue job.
func (s *Service) CancelEmail(ctx context.Context, id string) (*domain.Email, error) {
	logger := ctxlog.FromContext(ctx)

	email, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch email.Status {
	case domain.EmailStatusSent:
		return nil, ErrAlreadySent
	case domain.EmailStatusCancelled:
		return nil, ErrAlreadyCancelled
	}

	if email.JobID != "" {
		removed, err := s.queue.Cancel(ctx, email.JobID)
		if err != nil {
			logger.WarnContext(ctx, "Failed to remove delivery job",
				slog.String("email_id", id),
				slog.String("job_id", email.JobID),
				slog.String("error", err.Error()))
		} else if !removed {
			logger.InfoContext(ctx, "Delivery job already picked up",
				slog.String("email_id", id),
				slog.String("job_id", email.JobID))
		}
	}

	if err := s.repo.MarkCancelled(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to mark email cancelled: %w", err)
	}
	email.Status = domain.EmailStatusCancelled

	logger.InfoContext(ctx, "Email cancelled", slog.String("email_id", id))

	return email, nil
}

// GetEmail returns an email record together with the live state of its
// delivery job.
func (s *Service) GetEmail(ctx context.Context, id string) (*EmailState, error) {
	email, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	state := queue.StateMissing
	if email.JobID != "" {
		state, err = s.queue.State(ctx, email.JobID)
		if err != nil {
			ctxlog.FromContext(ctx).WarnContext(ctx, "Failed to read job state",
				slog.String("email_id", id),
				slog.String("error", err.Error()))
			state = queue.StateMissing
		}
	}

	return &EmailState{Email: email, JobState: state}, nil
}

// ListEmails returns a page of email records and the total match count.
func (s *Service) ListEmails(ctx context.Context, filter ListFilter) ([]domain.Email, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter)
}

// Stats returns per-status email counts, optionally scoped to one sender.
func (s *Service) Stats(ctx context.Context, senderID string) (map[domain.EmailStatus]int64, error) {
	return s.repo.CountByStatus(ctx, senderID)
}
