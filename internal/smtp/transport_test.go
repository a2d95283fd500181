package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransport(t *testing.T) {
	t.Run("requires host", func(t *testing.T) {
		_, err := NewTransport(Config{})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		transport, err := NewTransport(Config{Host: "smtp.example.com"})
		require.NoError(t, err)
		assert.Equal(t, 587, transport.config.Port)
		assert.Equal(t, 32, transport.config.MaxDialers)
		assert.Equal(t, 30*time.Second, transport.config.SendTimeout)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("smtp send: %w", context.DeadlineExceeded), true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"421 service unavailable", errors.New("421 service not available"), true},
		{"450 mailbox unavailable", errors.New("450 mailbox busy"), true},
		{"451 local error", errors.New("451 local error in processing"), true},
		{"452 insufficient storage", errors.New("452 insufficient system storage"), true},
		{"552 mailbox full", errors.New("552 mailbox is full"), true},
		{"550 mailbox not found", errors.New("550 no such user"), false},
		{"553 bad mailbox name", errors.New("553 mailbox name not allowed"), false},
		{"auth failure", errors.New("535 authentication credentials invalid"), false},
		{"generic error", errors.New("something went wrong"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestDialerPool_ReusesByCredentials(t *testing.T) {
	pool := newDialerPool("smtp.example.com", 587, 4)

	a := pool.get(Credentials{Username: "alice", Password: "pw"})
	b := pool.get(Credentials{Username: "alice", Password: "pw"})
	c := pool.get(Credentials{Username: "bob", Password: "pw"})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, pool.len())
}

func TestDialerPool_PasswordChangeGetsFreshDialer(t *testing.T) {
	pool := newDialerPool("smtp.example.com", 587, 4)

	old := pool.get(Credentials{Username: "alice", Password: "old"})
	rotated := pool.get(Credentials{Username: "alice", Password: "new"})

	assert.NotSame(t, old, rotated)
}

func TestDialerPool_EvictsOldestWhenFull(t *testing.T) {
	pool := newDialerPool("smtp.example.com", 587, 2)

	first := pool.get(Credentials{Username: "u1", Password: "pw"})
	time.Sleep(time.Millisecond)
	pool.get(Credentials{Username: "u2", Password: "pw"})
	time.Sleep(time.Millisecond)

	// Touch u1 so u2 becomes the eviction candidate.
	pool.get(Credentials{Username: "u1", Password: "pw"})
	pool.get(Credentials{Username: "u3", Password: "pw"})

	assert.Equal(t, 2, pool.len())
	assert.Same(t, first, pool.get(Credentials{Username: "u1", Password: "pw"}))
}

func TestTransport_SendTimesOut(t *testing.T) {
	// Reserved TEST-NET address; connections hang until the deadline.
	transport, err := NewTransport(Config{
		Host:        "192.0.2.1",
		Port:        587,
		SendTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = transport.Send(context.Background(), Message{
		FromEmail: "from@example.com",
		ToEmail:   "to@example.com",
		Subject:   "Hi",
		Body:      "body",
	}, Credentials{Username: "u", Password: "p"})

	require.Error(t, err)
	assert.True(t, IsRetryable(err), "timeouts should be retryable")
}
