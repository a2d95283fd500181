package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHourWindow(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Time
		expected time.Time
	}{
		{
			name:     "exact hour is its own window",
			input:    time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
			expected: time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		},
		{
			name:     "mid hour truncates down",
			input:    time.Date(2026, 3, 14, 15, 42, 31, 999, time.UTC),
			expected: time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		},
		{
			name:     "last nanosecond of hour stays in window",
			input:    time.Date(2026, 3, 14, 15, 59, 59, 999999999, time.UTC),
			expected: time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HourWindow(tt.input))
		})
	}
}

func TestNextWindow(t *testing.T) {
	input := time.Date(2026, 3, 14, 15, 42, 0, 0, time.UTC)
	expected := time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC)

	assert.Equal(t, expected, NextWindow(input))

	// Day boundary rolls over cleanly.
	input = time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC)
	expected = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, expected, NextWindow(input))
}

func TestDelayUntil(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)

	t.Run("future target", func(t *testing.T) {
		target := now.Add(30 * time.Minute)
		assert.Equal(t, 30*time.Minute, DelayUntil(target, now))
	})

	t.Run("past target clamps to zero", func(t *testing.T) {
		target := now.Add(-time.Minute)
		assert.Equal(t, time.Duration(0), DelayUntil(target, now))
	})

	t.Run("equal target is zero", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), DelayUntil(now, now))
	})
}
