// Package emails provides email scheduling and lifecycle management.
package emails

import (
	"context"
	"time"

	"github.com/okutsev/sendlater/internal/domain"
)

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status   domain.EmailStatus
	SenderID string
	Limit    int
	Offset   int
}

// Repository defines the interface for email record data access.
//
// The status-transition methods exist so that post-schedule writes go through
// named transitions rather than a generic update; the delivery worker is the
// only caller of the processing-related ones.
type Repository interface {
	Create(ctx context.Context, email *domain.Email) error
	GetByID(ctx context.Context, id string) (*domain.Email, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Email, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Email, int64, error)
	CountByStatus(ctx context.Context, senderID string) (map[domain.EmailStatus]int64, error)

	// MarkScheduled records queue acceptance: sets the job id and flips the
	// record to scheduled.
	MarkScheduled(ctx context.Context, id, jobID string) error
	MarkCancelled(ctx context.Context, id string) error

	// MarkProcessing flips the record to processing and atomically increments
	// its attempt counter.
	MarkProcessing(ctx context.Context, id string) error
	MarkRateLimited(ctx context.Context, id, reason string) error

	// Reschedule moves the scheduled time forward and returns the record to
	// scheduled after a rate-limit denial.
	Reschedule(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, errorMessage string) error

	// MarkSent records success, sets sentAt and clears any prior error.
	MarkSent(ctx context.Context, id string, at time.Time) error
}
