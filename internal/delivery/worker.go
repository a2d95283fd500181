// Package delivery runs the background workers that dispatch due emails.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/okutsev/sendlater/internal/domain"
	"github.com/okutsev/sendlater/internal/emails"
	"github.com/okutsev/sendlater/internal/queue"
	"github.com/okutsev/sendlater/internal/ratelimit"
	"github.com/okutsev/sendlater/internal/smtp"
)

// Config contains delivery worker configuration.
type Config struct {
	Concurrency       int
	BatchSize         int
	PollInterval      time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// MinSendInterval spaces out consecutive SMTP sends across the whole
	// worker pool. Zero disables pacing.
	MinSendInterval time.Duration
}

// DefaultConfig returns default worker configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:       5,
		BatchSize:         50,
		PollInterval:      5 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		MinSendInterval:   0,
	}
}

// RateLimiter decides whether a sender may send right now.
type RateLimiter interface {
	Check(ctx context.Context, senderID string) (ratelimit.Decision, error)
	Increment(ctx context.Context, senderID string)
}

// EmailStore is the slice of the emails repository the worker needs.
type EmailStore interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkRateLimited(ctx context.Context, id, reason string) error
	Reschedule(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
	MarkSent(ctx context.Context, id string, at time.Time) error
}

// SenderStore resolves senders to their SMTP credentials.
type SenderStore interface {
	GetByID(ctx context.Context, id string) (*domain.Sender, error)
}

// Worker claims due delivery jobs and sends them over SMTP.
type Worker struct {
	config    Config
	queue     queue.Queue
	emails    EmailStore
	senders   SenderStore
	limiter   RateLimiter
	transport smtp.Transport
	pacer     *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new delivery worker.
func NewWorker(config Config, q queue.Queue, emails EmailStore, senders SenderStore, limiter RateLimiter, transport smtp.Transport) *Worker {
	var pacer *rate.Limiter
	if config.MinSendInterval > 0 {
		pacer = rate.NewLimiter(rate.Every(config.MinSendInterval), 1)
	}

	return &Worker{
		config:    config,
		queue:     q,
		emails:    emails,
		senders:   senders,
		limiter:   limiter,
		transport: transport,
		pacer:     pacer,
		stopCh:    make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting delivery worker",
		"workers", w.config.Concurrency,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("delivery worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processBatch(ctx, workerID)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, workerID int) {
	jobs, err := w.queue.Claim(ctx, w.config.BatchSize)
	if err != nil {
		slog.Error("failed to claim delivery jobs", "worker", workerID, "error", err)
		return
	}

	if len(jobs) == 0 {
		return
	}

	slog.Debug("processing delivery jobs", "worker", workerID, "count", len(jobs))
	recordBatchClaimed(len(jobs))

	for _, job := range jobs {
		select {
		case <-w.stopCh:
			// Shutdown mid-batch: hand the job back without consuming an
			// attempt. The request context may already be gone, so use a
			// detached one.
			w.release(job)
			return
		default:
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) release(job queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Snooze(ctx, job.ID); err != nil {
		slog.Error("failed to release job on shutdown", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) {
	start := time.Now()
	emailID := job.Payload.EmailID

	if err := w.emails.MarkProcessing(ctx, emailID); err != nil {
		if errors.Is(err, emails.ErrEmailNotFound) {
			// The email row is gone (e.g. deleted out of band); the job
			// can never succeed.
			slog.Error("email missing for claimed job", "email_id", emailID, "job_id", job.ID)
			if failErr := w.queue.Fail(ctx, job.ID, err); failErr != nil {
				slog.Error("failed to fail job", "job_id", job.ID, "error", failErr)
			}
			recordDelivery("failed")
			return
		}
		// Store outage, not a delivery fault; retry with backoff.
		slog.Error("failed to mark email processing", "email_id", emailID, "error", err)
		nextAttempt := w.calculateNextAttempt(job.Attempts + 1)
		if retryErr := w.queue.Retry(ctx, job.ID, err, nextAttempt); retryErr != nil {
			slog.Error("failed to mark job for retry", "job_id", job.ID, "error", retryErr)
		}
		recordDelivery("retry")
		return
	}

	decision, err := w.limiter.Check(ctx, job.Payload.SenderID)
	if err != nil {
		// Counter store outage, not a delivery fault; retry with backoff.
		slog.Error("rate limit check failed", "email_id", emailID, "error", err)
		nextAttempt := w.calculateNextAttempt(job.Attempts + 1)
		if retryErr := w.queue.Retry(ctx, job.ID, err, nextAttempt); retryErr != nil {
			slog.Error("failed to mark job for retry", "job_id", job.ID, "error", retryErr)
		}
		recordDelivery("retry")
		return
	}
	if !decision.Allowed {
		w.handleRateLimited(ctx, job, decision)
		return
	}

	sender, err := w.senders.GetByID(ctx, job.Payload.SenderID)
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("sender unavailable: %v", err))
		recordDelivery("failed")
		return
	}
	if !sender.IsActive {
		w.fail(ctx, job, "sender deactivated")
		recordDelivery("failed")
		return
	}

	if w.pacer != nil {
		if err := w.pacer.Wait(ctx); err != nil {
			// Context cancelled while pacing; hand the job back.
			w.release(job)
			return
		}
	}

	msg := smtp.Message{
		FromName:  sender.Name,
		FromEmail: sender.Email,
		ToName:    job.Payload.RecipientName,
		ToEmail:   job.Payload.RecipientEmail,
		Subject:   job.Payload.Subject,
		Body:      job.Payload.Body,
	}
	creds := smtp.Credentials{Username: sender.SMTPUser, Password: sender.SMTPPass}

	_, err = w.transport.Send(ctx, msg, creds)
	duration := time.Since(start)

	if err != nil {
		w.handleSendError(ctx, job, err)
		return
	}

	sentAt := time.Now().UTC()
	w.limiter.Increment(ctx, job.Payload.SenderID)

	if err := w.emails.MarkSent(ctx, emailID, sentAt); err != nil {
		slog.Error("failed to mark email sent", "email_id", emailID, "error", err)
	}
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		slog.Error("failed to complete job", "job_id", job.ID, "error", err)
	}

	recordDelivery("sent")
	recordDeliveryDuration(duration)

	slog.Debug("email sent",
		"email_id", emailID,
		"sender_id", job.Payload.SenderID,
		"duration", duration,
	)
}

// handleRateLimited pushes the job to the next hour window. Rate-limit
// reschedules do not consume the attempt budget: the email did nothing wrong,
// the window was just full.
func (w *Worker) handleRateLimited(ctx context.Context, job queue.Job, decision ratelimit.Decision) {
	emailID := job.Payload.EmailID

	if err := w.emails.MarkRateLimited(ctx, emailID, decision.Reason); err != nil {
		slog.Error("failed to mark email rate limited", "email_id", emailID, "error", err)
	}

	if decision.NextSlot == nil {
		// Denied with no next window, e.g. the sender no longer exists.
		w.fail(ctx, job, decision.Reason)
		recordDelivery("failed")
		return
	}

	nextSlot := *decision.NextSlot

	moved, err := w.queue.ChangeDelay(ctx, job.ID, nextSlot)
	if err != nil || !moved {
		slog.Error("failed to delay job", "job_id", job.ID, "error", err)
	}
	if err := w.emails.Reschedule(ctx, emailID, nextSlot); err != nil {
		slog.Error("failed to reschedule email", "email_id", emailID, "error", err)
	}
	if err := w.queue.Snooze(ctx, job.ID); err != nil {
		slog.Error("failed to snooze job", "job_id", job.ID, "error", err)
	}

	recordDelivery("rate_limited")

	slog.Info("email rescheduled after rate limit",
		"email_id", emailID,
		"sender_id", job.Payload.SenderID,
		"reason", decision.Reason,
		"next_slot", nextSlot,
	)
}

func (w *Worker) handleSendError(ctx context.Context, job queue.Job, err error) {
	emailID := job.Payload.EmailID

	slog.Warn("delivery failed",
		"email_id", emailID,
		"attempt", job.Attempts+1,
		"max_attempts", job.MaxAttempts,
		"error", err,
	)

	if err := w.emails.MarkFailed(ctx, emailID, err.Error()); err != nil {
		slog.Error("failed to mark email failed", "email_id", emailID, "error", err)
	}

	if !smtp.IsRetryable(err) || job.Attempts+1 >= job.MaxAttempts {
		if failErr := w.queue.Fail(ctx, job.ID, err); failErr != nil {
			slog.Error("failed to fail job", "job_id", job.ID, "error", failErr)
		}
		recordDelivery("failed")
		return
	}

	nextAttempt := w.calculateNextAttempt(job.Attempts + 1)
	if retryErr := w.queue.Retry(ctx, job.ID, err, nextAttempt); retryErr != nil {
		slog.Error("failed to mark job for retry", "job_id", job.ID, "error", retryErr)
	}
	recordDelivery("retry")

	slog.Info("delivery scheduled for retry",
		"email_id", emailID,
		"next_attempt", nextAttempt,
	)
}

func (w *Worker) fail(ctx context.Context, job queue.Job, cause string) {
	if err := w.emails.MarkFailed(ctx, job.Payload.EmailID, cause); err != nil {
		slog.Error("failed to mark email failed", "email_id", job.Payload.EmailID, "error", err)
	}
	if err := w.queue.Fail(ctx, job.ID, errors.New(cause)); err != nil {
		slog.Error("failed to fail job", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) calculateNextAttempt(attempt int) time.Time {
	backoff := float64(w.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= w.config.BackoffMultiplier
	}

	if backoff > float64(w.config.MaxBackoff) {
		backoff = float64(w.config.MaxBackoff)
	}

	return time.Now().Add(time.Duration(backoff))
}
