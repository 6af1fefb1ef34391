// Package message defines the delivery envelope the daemon moves through
// the dispatch pipeline. Bodies are opaque to the daemon; only the handler
// interprets them.
package message

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// Message is one delivery of a queued message. The ID is unique per
// delivery, not per logical event: a message that times out and is
// redelivered keeps its ID but gets a fresh ReceiptHandle.
type Message struct {
	// ID identifies the logical message (typically UUID, producer-assigned).
	ID string `json:"id"`

	// Body is the opaque payload.
	Body string `json:"body"`

	// ReceiptHandle identifies this particular delivery. The queue
	// client needs it for Delete and ChangeVisibility; nothing else
	// should look inside it.
	ReceiptHandle string `json:"-"`

	// Checksum is the hex MD5 of Body. Advisory only; the daemon never
	// rejects a message over a mismatch.
	Checksum string `json:"checksum,omitempty"`

	// ReceivedAt is when this delivery was handed to the daemon.
	ReceivedAt time.Time `json:"-"`
}

// BodyChecksum computes the advisory checksum for a message body.
func BodyChecksum(body string) string {
	sum := md5.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}
