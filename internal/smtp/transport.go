// Package smtp provides the outbound mail transport.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Credentials identify a sender's SMTP account.
type Credentials struct {
	Username string
	Password string
}

// Message is the content handed to the transport.
type Message struct {
	FromName  string
	FromEmail string
	ToName    string
	ToEmail   string
	Subject   string
	Body      string
}

// Result describes a successful send.
type Result struct {
	MessageID string
}

// Transport sends messages on behalf of senders using their own credentials.
type Transport interface {
	Send(ctx context.Context, msg Message, creds Credentials) (*Result, error)
	Verify(ctx context.Context, creds Credentials) error
}

// Config holds transport configuration. All senders share one SMTP endpoint;
// authentication is per sender.
type Config struct {
	Host        string
	Port        int
	MaxDialers  int
	SendTimeout time.Duration
}

// GomailTransport implements Transport over gomail with a bounded pool of
// dialers keyed by credential identity.
type GomailTransport struct {
	config Config
	pool   *dialerPool
}

// NewTransport creates a gomail-backed transport.
func NewTransport(config Config) (*GomailTransport, error) {
	if config.Host == "" {
		return nil, errors.New("smtp transport: host is required")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	if config.MaxDialers == 0 {
		config.MaxDialers = 32
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = 30 * time.Second
	}

	return &GomailTransport{
		config: config,
		pool:   newDialerPool(config.Host, config.Port, config.MaxDialers),
	}, nil
}

// Send delivers the message via the sender's credentials and returns the
// generated message id.
func (t *GomailTransport) Send(ctx context.Context, msg Message, creds Credentials) (*Result, error) {
	dialer := t.pool.get(creds)

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.config.Host)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetAddressHeader("To", msg.ToEmail, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-Id", messageID)
	m.SetBody("text/html", msg.Body)

	if err := t.run(ctx, func() error { return dialer.DialAndSend(m) }); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	return &Result{MessageID: messageID}, nil
}

// Verify checks that the credentials authenticate against the SMTP endpoint.
// Used at sender-creation time before persisting the sender.
func (t *GomailTransport) Verify(ctx context.Context, creds Credentials) error {
	dialer := t.pool.get(creds)

	err := t.run(ctx, func() error {
		conn, err := dialer.Dial()
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return fmt.Errorf("smtp verify: %w", err)
	}
	return nil
}

// run executes fn bounded by the context and the configured send timeout.
// gomail itself is not context-aware; the goroutine is left to finish its
// dial in the background when the deadline wins.
func (t *GomailTransport) run(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable reports whether a transport error is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network timeouts and connection-level failures are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return true
	}

	return false
}
