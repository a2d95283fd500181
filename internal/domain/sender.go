// Package domain contains core domain types shared between features.
package domain

import "time"

// Sender owns scheduled emails and carries the per-sender hourly send ceiling.
// SMTPUser and SMTPPass are never serialized to API responses.
type Sender struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	SMTPUser  string    `json:"-"`
	SMTPPass  string    `json:"-"`
	RateLimit int       `json:"rate_limit"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
