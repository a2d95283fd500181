package domain

import "time"

// EmailStatus represents the lifecycle state of an email record.
type EmailStatus string

// Email statuses.
const (
	EmailStatusPending     EmailStatus = "pending"
	EmailStatusScheduled   EmailStatus = "scheduled"
	EmailStatusProcessing  EmailStatus = "processing"
	EmailStatusSent        EmailStatus = "sent"
	EmailStatusFailed      EmailStatus = "failed"
	EmailStatusRateLimited EmailStatus = "rate_limited"
	EmailStatusCancelled   EmailStatus = "cancelled"
)

// Email is the durable unit of scheduled work.
//
// IdempotencyKey is unique across all records: re-submitting the same
// (sender, recipient, subject, scheduledAt) tuple returns the existing record.
// JobID, once set, identifies the queue entry that will process this record.
// SentAt is set exactly once, together with the transition to sent.
type Email struct {
	ID             string      `json:"id"`
	SenderID       string      `json:"sender_id"`
	RecipientEmail string      `json:"recipient_email"`
	RecipientName  string      `json:"recipient_name,omitempty"`
	Subject        string      `json:"subject"`
	Body           string      `json:"body"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	SentAt         *time.Time  `json:"sent_at,omitempty"`
	Status         EmailStatus `json:"status"`
	IdempotencyKey string      `json:"idempotency_key"`
	JobID          string      `json:"job_id,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	Attempts       int         `json:"attempts"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
