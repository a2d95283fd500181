// Package ratelimit enforces per-sender and global hourly send ceilings.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnknownSender is returned by a SenderLimits source when the sender id
// does not resolve to a configured sender.
var ErrUnknownSender = errors.New("unknown sender")

// SenderLimits resolves a sender id to its hourly send ceiling.
type SenderLimits interface {
	SenderLimit(ctx context.Context, senderID string) (int, error)
}

// SenderLimitsFunc adapts a function to the SenderLimits interface.
type SenderLimitsFunc func(ctx context.Context, senderID string) (int, error)

// SenderLimit implements SenderLimits.
func (f SenderLimitsFunc) SenderLimit(ctx context.Context, senderID string) (int, error) {
	return f(ctx, senderID)
}

// Decision is the outcome of a rate-limit check.
// NextSlot, when set, is the hour-aligned start of the next window in which
// the subject may send again.
type Decision struct {
	Allowed  bool
	Reason   string
	NextSlot *time.Time
}

// Usage describes counter state for the current hour window. ResetsIn is
// the number of seconds until the window rolls over and the count starts
// fresh.
type Usage struct {
	Window   time.Time `json:"window"`
	Count    int64     `json:"count"`
	Limit    int       `json:"limit"`
	ResetsIn float64   `json:"resets_in_seconds"`
}

// Limiter checks and records hourly send volume. Reads prefer the fast store
// and degrade to the durable store; increments dual-write so that a fast-store
// outage never loses accounting entirely. A lost increment under-counts usage,
// which biases toward permissiveness rather than wrongly blocking traffic.
type Limiter struct {
	reads         CounterStore
	fast          CounterStore
	durable       CounterStore
	senders       SenderLimits
	globalPerHour int
	now           func() time.Time
}

// NewLimiter creates a Limiter over a fast and a durable counter store.
func NewLimiter(fast, durable CounterStore, senders SenderLimits, globalPerHour int) *Limiter {
	return &Limiter{
		reads:         NewFallbackStore(fast, durable),
		fast:          fast,
		durable:       durable,
		senders:       senders,
		globalPerHour: globalPerHour,
		now:           time.Now,
	}
}

// Check evaluates the sender-scope ceiling first, then the global ceiling,
// and returns the first denial encountered. An error indicates that neither
// counter store could be read; callers should treat it as retryable.
func (l *Limiter) Check(ctx context.Context, senderID string) (Decision, error) {
	window := HourWindow(l.now())

	decision, err := l.checkSender(ctx, senderID, window)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allowed {
		recordDecision("sender", "denied")
		return decision, nil
	}

	decision, err = l.checkGlobal(ctx, window)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allowed {
		recordDecision("global", "denied")
		return decision, nil
	}

	recordDecision("sender", "allowed")
	return Decision{Allowed: true}, nil
}

// Increment records a successful send for the sender and the global subject.
// It is best-effort: the fast store receives both subjects, the durable store
// the sender subject only (global durable reads aggregate across senders).
// Errors are logged and never propagated to the caller.
func (l *Limiter) Increment(ctx context.Context, senderID string) {
	window := HourWindow(l.now())

	if err := l.fast.Incr(ctx, senderID, window); err != nil {
		slog.Error("fast counter increment failed", "subject", senderID, "error", err)
	}
	if err := l.fast.Incr(ctx, GlobalSubject, window); err != nil {
		slog.Error("fast counter increment failed", "subject", GlobalSubject, "error", err)
	}
	if err := l.durable.Incr(ctx, senderID, window); err != nil {
		slog.Error("durable counter increment failed", "subject", senderID, "error", err)
	}
}

// Usage reports counter state for the current window. An empty senderID
// reports the global bucket.
func (l *Limiter) Usage(ctx context.Context, senderID string) (Usage, error) {
	window := HourWindow(l.now())

	subject := senderID
	limit := l.globalPerHour
	if senderID == "" {
		subject = GlobalSubject
	} else {
		var err error
		limit, err = l.senders.SenderLimit(ctx, senderID)
		if err != nil {
			return Usage{}, err
		}
	}

	count, err := l.reads.Count(ctx, subject, window)
	if err != nil {
		return Usage{}, fmt.Errorf("read counter: %w", err)
	}

	return Usage{
		Window:   window,
		Count:    count,
		Limit:    limit,
		ResetsIn: DelayUntil(NextWindow(window), l.now()).Seconds(),
	}, nil
}

func (l *Limiter) checkSender(ctx context.Context, senderID string, window time.Time) (Decision, error) {
	limit, err := l.senders.SenderLimit(ctx, senderID)
	if err != nil {
		if errors.Is(err, ErrUnknownSender) {
			return Decision{Allowed: false, Reason: "sender not found"}, nil
		}
		return Decision{}, fmt.Errorf("resolve sender limit: %w", err)
	}

	count, err := l.reads.Count(ctx, senderID, window)
	if err != nil {
		return Decision{}, fmt.Errorf("read sender counter: %w", err)
	}

	if count >= int64(limit) {
		next := NextWindow(window)
		slog.Warn("sender rate limit exceeded",
			"sender_id", senderID,
			"count", count,
			"limit", limit,
			"next_slot", next,
		)
		return Decision{
			Allowed:  false,
			Reason:   fmt.Sprintf("sender rate limit exceeded (%d/hour)", limit),
			NextSlot: &next,
		}, nil
	}

	return Decision{Allowed: true}, nil
}

func (l *Limiter) checkGlobal(ctx context.Context, window time.Time) (Decision, error) {
	count, err := l.reads.Count(ctx, GlobalSubject, window)
	if err != nil {
		return Decision{}, fmt.Errorf("read global counter: %w", err)
	}

	if count >= int64(l.globalPerHour) {
		next := NextWindow(window)
		slog.Warn("global rate limit exceeded",
			"count", count,
			"limit", l.globalPerHour,
			"next_slot", next,
		)
		return Decision{
			Allowed:  false,
			Reason:   fmt.Sprintf("global rate limit exceeded (%d/hour)", l.globalPerHour),
			NextSlot: &next,
		}, nil
	}

	return Decision{Allowed: true}, nil
}
