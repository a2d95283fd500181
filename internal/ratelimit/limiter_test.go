package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{counts: make(map[string]int64)}
}

func (s *memoryStore) key(subject string, window time.Time) string {
	return fmt.Sprintf("%s:%d", subject, window.Unix())
}

func (s *memoryStore) Count(_ context.Context, subject string, window time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	count, ok := s.counts[s.key(subject, window)]
	if !ok {
		return 0, ErrCounterMiss
	}
	return count, nil
}

func (s *memoryStore) Incr(_ context.Context, subject string, window time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.counts[s.key(subject, window)]++
	return nil
}

func staticLimits(limits map[string]int) SenderLimitsFunc {
	return func(_ context.Context, senderID string) (int, error) {
		limit, ok := limits[senderID]
		if !ok {
			return 0, ErrUnknownSender
		}
		return limit, nil
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLimiter_Check_AllowsUnderLimit(t *testing.T) {
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 3}), 100)
	limiter.now = fixedClock(time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC))

	decision, err := limiter.Check(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.NextSlot)
}

func TestLimiter_Check_DeniesAtSenderLimit(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 3}), 100)
	limiter.now = fixedClock(now)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		decision, err := limiter.Check(ctx, "s1")
		require.NoError(t, err)
		require.True(t, decision.Allowed, "send %d should be allowed", i+1)
		limiter.Increment(ctx, "s1")
	}

	// Fourth send in the window is denied and pointed at the next hour.
	decision, err := limiter.Check(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "sender rate limit exceeded (3/hour)", decision.Reason)
	require.NotNil(t, decision.NextSlot)
	assert.Equal(t, time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC), *decision.NextSlot)
}

func TestLimiter_Check_NewWindowResets(t *testing.T) {
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 1}), 100)
	limiter.now = fixedClock(time.Date(2026, 3, 14, 15, 59, 0, 0, time.UTC))

	ctx := context.Background()
	limiter.Increment(ctx, "s1")

	decision, err := limiter.Check(ctx, "s1")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Clock crosses into the next hour; counts start fresh.
	limiter.now = fixedClock(time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC))

	decision, err = limiter.Check(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLimiter_Check_SenderLimitBeforeGlobal(t *testing.T) {
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 1}), 1)
	limiter.now = fixedClock(time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC))

	ctx := context.Background()
	limiter.Increment(ctx, "s1")

	// Both ceilings are hit; the sender-scope denial wins.
	decision, err := limiter.Check(ctx, "s1")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	assert.Equal(t, "sender rate limit exceeded (1/hour)", decision.Reason)
}

func TestLimiter_Check_GlobalLimit(t *testing.T) {
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 10, "s2": 10}), 2)
	limiter.now = fixedClock(time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC))

	ctx := context.Background()
	limiter.Increment(ctx, "s1")
	limiter.Increment(ctx, "s2")

	// Each sender is under its own ceiling, but the shared bucket is full.
	decision, err := limiter.Check(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "global rate limit exceeded (2/hour)", decision.Reason)
	require.NotNil(t, decision.NextSlot)
}

func TestLimiter_Check_UnknownSender(t *testing.T) {
	limiter := NewLimiter(newMemoryStore(), newMemoryStore(), staticLimits(nil), 100)

	decision, err := limiter.Check(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "sender not found", decision.Reason)
	assert.Nil(t, decision.NextSlot)
}

func TestLimiter_Check_FallsBackToDurableStore(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 1}), 100)
	limiter.now = fixedClock(now)

	ctx := context.Background()
	require.NoError(t, durable.Incr(ctx, "s1", HourWindow(now)))

	fast.err = errors.New("connection refused")

	decision, err := limiter.Check(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "durable count should still enforce the limit")
}

func TestLimiter_Check_FastStoreMissReadsDurable(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 1}), 100)
	limiter.now = fixedClock(now)

	ctx := context.Background()
	require.NoError(t, durable.Incr(ctx, "s1", HourWindow(now)))

	// The fast store is healthy but lost its keys (flush, restart). A miss
	// must not read as zero, or the limit resets for the rest of the hour.
	decision, err := limiter.Check(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "sender rate limit exceeded (1/hour)", decision.Reason)
}

func TestLimiter_Check_BothStoresDown(t *testing.T) {
	fast := newMemoryStore()
	durable := newMemoryStore()
	fast.err = errors.New("connection refused")
	durable.err = errors.New("pool closed")

	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 1}), 100)

	_, err := limiter.Check(context.Background(), "s1")
	assert.Error(t, err)
}

func TestLimiter_Increment_BestEffort(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	fast := newMemoryStore()
	durable := newMemoryStore()
	fast.err = errors.New("connection refused")

	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 10}), 100)
	limiter.now = fixedClock(now)

	// Fast store outage must not panic or block the send path.
	limiter.Increment(context.Background(), "s1")

	count, err := durable.Count(context.Background(), "s1", HourWindow(now))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLimiter_Increment_WritesGlobalToFastOnly(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 10}), 100)
	limiter.now = fixedClock(now)

	ctx := context.Background()
	limiter.Increment(ctx, "s1")

	window := HourWindow(now)

	fastGlobal, err := fast.Count(ctx, GlobalSubject, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fastGlobal)

	// Durable global reads aggregate per-sender rows instead, so no
	// dedicated global bucket ever exists there.
	_, err = durable.Count(ctx, GlobalSubject, window)
	assert.ErrorIs(t, err, ErrCounterMiss)

	durableSender, err := durable.Count(ctx, "s1", window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), durableSender)
}

func TestLimiter_Usage(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	fast := newMemoryStore()
	durable := newMemoryStore()
	limiter := NewLimiter(fast, durable, staticLimits(map[string]int{"s1": 5}), 100)
	limiter.now = fixedClock(now)

	ctx := context.Background()
	limiter.Increment(ctx, "s1")
	limiter.Increment(ctx, "s1")

	usage, err := limiter.Usage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, HourWindow(now), usage.Window)
	assert.Equal(t, int64(2), usage.Count)
	assert.Equal(t, 5, usage.Limit)
	assert.Equal(t, float64(30*60), usage.ResetsIn, "window resets at 16:00")

	global, err := limiter.Usage(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), global.Count)
	assert.Equal(t, 100, global.Limit)
}
