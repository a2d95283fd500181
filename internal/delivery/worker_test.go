package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okutsev/sendlater/internal/domain"
	"github.com/okutsev/sendlater/internal/emails"
	"github.com/okutsev/sendlater/internal/queue"
	"github.com/okutsev/sendlater/internal/ratelimit"
	"github.com/okutsev/sendlater/internal/smtp"
)

type recordingQueue struct {
	mu        sync.Mutex
	completed []string
	failed    map[string]error
	retried   map[string]time.Time
	snoozed   []string
	delayed   map[string]time.Time
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{
		failed:  make(map[string]error),
		retried: make(map[string]time.Time),
		delayed: make(map[string]time.Time),
	}
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job) (string, error) {
	return job.ID, nil
}
func (q *recordingQueue) Cancel(_ context.Context, _ string) (bool, error) { return false, nil }

func (q *recordingQueue) ChangeDelay(_ context.Context, id string, runAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[id] = runAt
	return true, nil
}

func (q *recordingQueue) State(_ context.Context, _ string) (queue.State, error) {
	return queue.StateActive, nil
}
func (q *recordingQueue) Claim(_ context.Context, _ int) ([]queue.Job, error) { return nil, nil }

func (q *recordingQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *recordingQueue) Retry(_ context.Context, id string, _ error, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried[id] = runAt
	return nil
}

func (q *recordingQueue) Snooze(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.snoozed = append(q.snoozed, id)
	return nil
}

func (q *recordingQueue) Fail(_ context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = cause
	return nil
}

func (q *recordingQueue) ReleaseStale(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}
func (q *recordingQueue) Stats(_ context.Context) (*queue.Stats, error) { return &queue.Stats{}, nil }

type recordingEmailStore struct {
	mu            sync.Mutex
	processingErr error
	processing    []string
	rateLimited map[string]string
	rescheduled map[string]time.Time
	failed      map[string]string
	sent        map[string]time.Time
}

func newRecordingEmailStore() *recordingEmailStore {
	return &recordingEmailStore{
		rateLimited: make(map[string]string),
		rescheduled: make(map[string]time.Time),
		failed:      make(map[string]string),
		sent:        make(map[string]time.Time),
	}
}

func (s *recordingEmailStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processingErr != nil {
		return s.processingErr
	}
	s.processing = append(s.processing, id)
	return nil
}

func (s *recordingEmailStore) MarkRateLimited(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimited[id] = reason
	return nil
}

func (s *recordingEmailStore) Reschedule(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduled[id] = at
	return nil
}

func (s *recordingEmailStore) MarkFailed(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = msg
	return nil
}

func (s *recordingEmailStore) MarkSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[id] = at
	return nil
}

type stubSenderStore struct {
	sender *domain.Sender
	err    error
}

func (s *stubSenderStore) GetByID(_ context.Context, _ string) (*domain.Sender, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.sender, nil
}

type stubLimiter struct {
	decision   ratelimit.Decision
	checkErr   error
	increments []string
}

func (l *stubLimiter) Check(_ context.Context, _ string) (ratelimit.Decision, error) {
	if l.checkErr != nil {
		return ratelimit.Decision{}, l.checkErr
	}
	return l.decision, nil
}

func (l *stubLimiter) Increment(_ context.Context, senderID string) {
	l.increments = append(l.increments, senderID)
}

type stubTransport struct {
	err   error
	sends []smtp.Message
}

func (t *stubTransport) Send(_ context.Context, msg smtp.Message, _ smtp.Credentials) (*smtp.Result, error) {
	t.sends = append(t.sends, msg)
	if t.err != nil {
		return nil, t.err
	}
	return &smtp.Result{MessageID: "msg-1"}, nil
}

func (t *stubTransport) Verify(_ context.Context, _ smtp.Credentials) error { return nil }

func testJob(attempts int) queue.Job {
	return queue.Job{
		ID: "job-1",
		Payload: queue.Payload{
			EmailID:        "job-1",
			SenderID:       "sender-1",
			RecipientEmail: "to@example.com",
			Subject:        "Digest",
			Body:           "content",
			ScheduledAt:    time.Now(),
		},
		RunAt:       time.Now(),
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

type workerFixture struct {
	worker    *Worker
	queue     *recordingQueue
	emails    *recordingEmailStore
	limiter   *stubLimiter
	transport *stubTransport
}

func newWorkerFixture() *workerFixture {
	q := newRecordingQueue()
	emails := newRecordingEmailStore()
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: true}}
	transport := &stubTransport{}
	senderStore := &stubSenderStore{sender: &domain.Sender{
		ID:       "sender-1",
		Name:     "Alerts",
		Email:    "alerts@example.com",
		SMTPUser: "alerts",
		SMTPPass: "secret",
		IsActive: true,
	}}

	return &workerFixture{
		worker:    NewWorker(DefaultConfig(), q, emails, senderStore, limiter, transport),
		queue:     q,
		emails:    emails,
		limiter:   limiter,
		transport: transport,
	}
}

func TestWorker_ProcessJob_Success(t *testing.T) {
	f := newWorkerFixture()

	f.worker.processJob(context.Background(), testJob(0))

	assert.Equal(t, []string{"job-1"}, f.emails.processing)
	assert.Contains(t, f.emails.sent, "job-1")
	assert.Equal(t, []string{"job-1"}, f.queue.completed)
	assert.Equal(t, []string{"sender-1"}, f.limiter.increments)
	require.Len(t, f.transport.sends, 1)
	assert.Equal(t, "to@example.com", f.transport.sends[0].ToEmail)
	assert.Equal(t, "alerts@example.com", f.transport.sends[0].FromEmail)
}

func TestWorker_ProcessJob_RateLimited(t *testing.T) {
	f := newWorkerFixture()
	nextSlot := time.Now().Truncate(time.Hour).Add(time.Hour)
	f.limiter.decision = ratelimit.Decision{
		Allowed:  false,
		Reason:   "sender rate limit exceeded (100/hour)",
		NextSlot: &nextSlot,
	}

	f.worker.processJob(context.Background(), testJob(0))

	// Denial defers the send instead of consuming an attempt.
	assert.Equal(t, "sender rate limit exceeded (100/hour)", f.emails.rateLimited["job-1"])
	assert.Equal(t, nextSlot, f.queue.delayed["job-1"])
	assert.Equal(t, nextSlot, f.emails.rescheduled["job-1"])
	assert.Equal(t, []string{"job-1"}, f.queue.snoozed)
	assert.Empty(t, f.queue.retried)
	assert.Empty(t, f.queue.failed)
	assert.Empty(t, f.transport.sends, "nothing should reach the SMTP relay")
	assert.Empty(t, f.limiter.increments, "deferred sends must not count against the window")
}

func TestWorker_ProcessJob_RateLimitedNoNextSlot(t *testing.T) {
	f := newWorkerFixture()
	f.limiter.decision = ratelimit.Decision{Allowed: false, Reason: "sender not found"}

	f.worker.processJob(context.Background(), testJob(0))

	assert.Contains(t, f.queue.failed, "job-1")
	assert.Equal(t, "sender not found", f.emails.failed["job-1"])
	assert.Empty(t, f.queue.snoozed)
}

func TestWorker_ProcessJob_MarkProcessingStoreError(t *testing.T) {
	f := newWorkerFixture()
	f.emails.processingErr = errors.New("read tcp 10.0.0.5:5432: connection reset by peer")

	f.worker.processJob(context.Background(), testJob(0))

	// A store outage is transient: the job goes back for retry instead of
	// being settled as failed.
	assert.Contains(t, f.queue.retried, "job-1")
	assert.Empty(t, f.queue.failed)
	assert.Empty(t, f.transport.sends)
}

func TestWorker_ProcessJob_EmailGone(t *testing.T) {
	f := newWorkerFixture()
	f.emails.processingErr = emails.ErrEmailNotFound

	f.worker.processJob(context.Background(), testJob(0))

	assert.Contains(t, f.queue.failed, "job-1")
	assert.Empty(t, f.queue.retried)
	assert.Empty(t, f.transport.sends)
}

func TestWorker_ProcessJob_LimiterError(t *testing.T) {
	f := newWorkerFixture()
	f.limiter.checkErr = errors.New("connection refused")

	f.worker.processJob(context.Background(), testJob(0))

	assert.Contains(t, f.queue.retried, "job-1")
	assert.Empty(t, f.queue.failed)
	assert.Empty(t, f.transport.sends)
}

func TestWorker_ProcessJob_InactiveSender(t *testing.T) {
	f := newWorkerFixture()
	f.worker.senders = &stubSenderStore{sender: &domain.Sender{ID: "sender-1", IsActive: false}}

	f.worker.processJob(context.Background(), testJob(0))

	assert.Contains(t, f.queue.failed, "job-1")
	assert.Equal(t, "sender deactivated", f.emails.failed["job-1"])
	assert.Empty(t, f.transport.sends)
}

func TestWorker_ProcessJob_RetryableSendError(t *testing.T) {
	f := newWorkerFixture()
	f.transport.err = errors.New("451 local error in processing")

	f.worker.processJob(context.Background(), testJob(0))

	assert.Contains(t, f.queue.retried, "job-1")
	assert.Contains(t, f.emails.failed, "job-1")
	assert.Empty(t, f.queue.failed)

	runAt := f.queue.retried["job-1"]
	assert.True(t, runAt.After(time.Now()), "retry should be scheduled in the future")
}

func TestWorker_ProcessJob_NonRetryableSendError(t *testing.T) {
	f := newWorkerFixture()
	f.transport.err = errors.New("550 mailbox not found")

	f.worker.processJob(context.Background(), testJob(0))

	assert.Contains(t, f.queue.failed, "job-1")
	assert.Empty(t, f.queue.retried)
}

func TestWorker_ProcessJob_AttemptsExhausted(t *testing.T) {
	f := newWorkerFixture()
	f.transport.err = errors.New("451 local error in processing")

	// Third attempt of three; even a retryable error is terminal now.
	f.worker.processJob(context.Background(), testJob(2))

	assert.Contains(t, f.queue.failed, "job-1")
	assert.Empty(t, f.queue.retried)
}

func TestWorker_CalculateNextAttempt(t *testing.T) {
	worker := &Worker{config: Config{
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}}

	tests := []struct {
		name            string
		attempt         int
		expectedBackoff time.Duration
	}{
		{"first retry", 1, 5 * time.Second},
		{"second retry", 2, 10 * time.Second},
		{"third retry", 3, 20 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			result := worker.calculateNextAttempt(tt.attempt)
			after := time.Now()

			assert.False(t, result.Before(before.Add(tt.expectedBackoff)))
			assert.False(t, result.After(after.Add(tt.expectedBackoff)))
		})
	}

	t.Run("capped at max backoff", func(t *testing.T) {
		before := time.Now()
		result := worker.calculateNextAttempt(100)
		assert.False(t, result.Before(before.Add(5*time.Minute)))
		assert.True(t, result.Before(time.Now().Add(5*time.Minute+time.Second)))
	})
}

func TestWorker_StartStop(t *testing.T) {
	f := newWorkerFixture()
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	f.worker.config = cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.worker.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	f.worker.Stop()
}
