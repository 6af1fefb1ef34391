// Package queue provides the queue client used by the poll loop and a
// Redis-backed implementation of it.
//
// The daemon only needs three operations: fetch one message, delete a
// message it finished with, and change how long a fetched message stays
// hidden from other consumers. Everything else about the transport is
// the adapter's business.
package queue

import (
	"context"
	"time"

	"github.com/guido-cesarano/pollerd/pkg/message"
)

// Client is the narrow queue contract the daemon polls against.
//
// All methods must be safe to call repeatedly. Errors are reported to
// the caller, which logs and carries on; an adapter must never panic
// the loop over a transport failure.
type Client interface {
	// Receive fetches at most one message, hiding it from other
	// consumers for the given visibility window. It returns (nil, nil)
	// when the queue is empty.
	Receive(ctx context.Context, visibility time.Duration) (*message.Message, error)

	// Delete permanently removes a received message. Called exactly
	// once per successfully handled delivery.
	Delete(ctx context.Context, msg *message.Message) error

	// ChangeVisibility replaces the remaining visibility window of a
	// received message. A short window deliberately hands the message
	// back to the queue sooner.
	ChangeVisibility(ctx context.Context, msg *message.Message, visibility time.Duration) error
}
