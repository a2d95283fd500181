package emails

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// IdempotencyKey derives the deterministic deduplication key for a scheduling
// request. Two requests with the same sender, recipient, subject and scheduled
// time always produce the same key; the scheduled time is normalized to UTC so
// the key is insensitive to the caller's timezone representation.
func IdempotencyKey(senderID, recipientEmail, subject string, scheduledAt time.Time) string {
	parts := []string{
		senderID,
		recipientEmail,
		subject,
		scheduledAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}
