package emails

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey_Deterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	k1 := IdempotencyKey("s1", "to@example.com", "Hello", at)
	k2 := IdempotencyKey("s1", "to@example.com", "Hello", at)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64, "sha256 hex digest")
}

func TestIdempotencyKey_TimezoneInsensitive(t *testing.T) {
	utc := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	offset := utc.In(time.FixedZone("CET", 3600))

	assert.Equal(t,
		IdempotencyKey("s1", "to@example.com", "Hello", utc),
		IdempotencyKey("s1", "to@example.com", "Hello", offset),
	)
}

func TestIdempotencyKey_DistinguishesFields(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	base := IdempotencyKey("s1", "to@example.com", "Hello", at)

	tests := []struct {
		name string
		key  string
	}{
		{"different sender", IdempotencyKey("s2", "to@example.com", "Hello", at)},
		{"different recipient", IdempotencyKey("s1", "other@example.com", "Hello", at)},
		{"different subject", IdempotencyKey("s1", "to@example.com", "Hi", at)},
		{"different time", IdempotencyKey("s1", "to@example.com", "Hello", at.Add(time.Minute))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, tt.key)
		})
	}
}
