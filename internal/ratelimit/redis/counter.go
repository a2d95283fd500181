// Package redis provides the Redis-backed fast counter store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okutsev/sendlater/internal/ratelimit"
)

const keyPrefix = "rate_limit"

// bucketTTL matches the hour-window granularity, so keys age out with their
// bucket and never accumulate.
const bucketTTL = time.Hour

// CounterStore implements ratelimit.CounterStore on Redis.
type CounterStore struct {
	client redis.UniversalClient
}

// NewCounterStore creates a Redis counter store.
func NewCounterStore(client redis.UniversalClient) *CounterStore {
	return &CounterStore{client: client}
}

// Count returns the bucket value. A missing key is reported as
// ratelimit.ErrCounterMiss rather than zero: Redis may have been flushed or
// restarted mid-window, and the caller falls back to the durable store.
func (s *CounterStore) Count(ctx context.Context, subject string, window time.Time) (int64, error) {
	count, err := s.client.Get(ctx, key(subject, window)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ratelimit.ErrCounterMiss
		}
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return count, nil
}

// Incr atomically increments the bucket and refreshes its expiry.
func (s *CounterStore) Incr(ctx context.Context, subject string, window time.Time) error {
	k := key(subject, window)

	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis incr: %w", err)
	}
	return nil
}

func key(subject string, window time.Time) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, subject, window.Unix())
}
