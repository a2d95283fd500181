package senders

import "errors"

// Sender errors.
var (
	ErrSenderNotFound    = errors.New("sender not found")
	ErrSenderEmailExists = errors.New("sender with this email already exists")
	ErrBadCredentials    = errors.New("smtp credentials rejected by server")
)
