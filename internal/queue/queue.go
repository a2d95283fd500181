// Package queue provides a durable, time-ordered delayed job queue.
package queue

import (
	"context"
	"errors"
	"time"
)

// Queue errors.
var (
	ErrJobNotFound = errors.New("queue job not found")
	ErrNotActive   = errors.New("queue job is not active")
)

// State represents the observable state of a queue entry.
type State string

// Queue entry states. Delayed and waiting share storage: an entry whose
// run time is still in the future reads as delayed.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateMissing   State = "missing"
)

// Payload is the frozen snapshot of send-relevant fields taken at enqueue
// time. Authorization-sensitive sender state is deliberately absent: the
// worker re-fetches the sender at dispatch time.
type Payload struct {
	EmailID        string    `json:"email_id"`
	SenderID       string    `json:"sender_id"`
	RecipientEmail string    `json:"recipient_email"`
	RecipientName  string    `json:"recipient_name,omitempty"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// Job is a queue entry. ID equals the email record id, giving a 1:1
// idempotent mapping between records and entries.
type Job struct {
	ID          string
	Payload     Payload
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stats holds queue entry counts by state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is the durable delayed job queue consumed by the delivery worker.
//
// Enqueue is idempotent on Job.ID: when a live entry with that id exists the
// call is a no-op returning the existing id. Claim hands each due entry to at
// most one consumer; a claimed entry stays active until the consumer settles
// it via Complete, Retry, Fail, or Snooze.
type Queue interface {
	// Enqueue inserts a job that becomes eligible at job.RunAt.
	// Past-due run times make the job immediately eligible.
	Enqueue(ctx context.Context, job Job) (string, error)

	// Cancel removes an entry that has not started processing.
	// Returns false for entries that are active or already settled.
	Cancel(ctx context.Context, id string) (bool, error)

	// ChangeDelay moves an existing live entry to a new run time without
	// changing its identity. Returns false when no live entry exists.
	ChangeDelay(ctx context.Context, id string, runAt time.Time) (bool, error)

	// State reports the entry state, StateMissing when no entry exists.
	State(ctx context.Context, id string) (State, error)

	// Claim atomically marks up to limit due entries active and returns them.
	Claim(ctx context.Context, limit int) ([]Job, error)

	// Complete settles an active entry as successfully processed.
	Complete(ctx context.Context, id string) error

	// Retry returns an active entry to waiting at runAt, consuming one
	// attempt and recording the cause.
	Retry(ctx context.Context, id string, cause error, runAt time.Time) error

	// Snooze returns an active entry to waiting without consuming an
	// attempt. Used for rate-limit reschedules after ChangeDelay.
	Snooze(ctx context.Context, id string) error

	// Fail settles an active entry as terminally failed.
	Fail(ctx context.Context, id string, cause error) error

	// ReleaseStale returns entries stuck in active longer than olderThan to
	// waiting, recovering work orphaned by a crashed consumer.
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// Stats returns entry counts by state.
	Stats(ctx context.Context) (*Stats, error)
}
