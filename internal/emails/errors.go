package emails

import "errors"

// Email errors.
var (
	ErrEmailNotFound    = errors.New("email not found")
	ErrSenderInactive   = errors.New("sender is not active")
	ErrAlreadySent      = errors.New("cannot cancel an already sent email")
	ErrAlreadyCancelled = errors.New("email already cancelled")
	ErrDuplicateKey     = errors.New("email with this idempotency key already exists")
)
