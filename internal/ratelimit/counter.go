package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// GlobalSubject is the reserved counter subject for the service-wide bucket.
// Sender subjects are UUIDs, so the sentinel cannot collide with a real sender.
const GlobalSubject = "global"

// ErrCounterMiss reports that a store holds no bucket for the subject and
// window. An ephemeral store that lost its keys cannot tell "no sends yet"
// from "counter evicted", so a miss is distinct from a zero count and lets
// the caller consult a durable store instead.
var ErrCounterMiss = errors.New("counter bucket not found")

// CounterStore tracks send counts per (subject, hour window) bucket.
// Counts are monotonically incremented by successful sends only.
type CounterStore interface {
	Count(ctx context.Context, subject string, window time.Time) (int64, error)
	Incr(ctx context.Context, subject string, window time.Time) error
}

// fallbackStore reads from the fast store and transparently degrades to the
// durable store when the fast store is unreachable or has lost the bucket.
type fallbackStore struct {
	fast    CounterStore
	durable CounterStore
}

// NewFallbackStore composes a fast counter store with a durable fallback for
// reads. Writes are not routed through it; the limiter dual-writes explicitly.
func NewFallbackStore(fast, durable CounterStore) CounterStore {
	return &fallbackStore{fast: fast, durable: durable}
}

func (s *fallbackStore) Count(ctx context.Context, subject string, window time.Time) (int64, error) {
	count, err := s.fast.Count(ctx, subject, window)
	if err == nil {
		return count, nil
	}

	// A missing bucket is routine after a restart or flush; anything else
	// is an outage worth surfacing.
	if errors.Is(err, ErrCounterMiss) {
		slog.Debug("fast counter store has no bucket, reading durable store", "subject", subject)
	} else {
		slog.Error("fast counter store read failed, falling back to durable store",
			"subject", subject,
			"error", err,
		)
	}

	count, err = s.durable.Count(ctx, subject, window)
	if errors.Is(err, ErrCounterMiss) {
		return 0, nil
	}
	return count, err
}

func (s *fallbackStore) Incr(ctx context.Context, subject string, window time.Time) error {
	return s.fast.Incr(ctx, subject, window)
}
