// Package bus provides the shared-subscription message bus used by all
// workers. One queue carries every wrapper; each receiver filters by the
// wrapper's to_agent field, accepting matches, abandoning mismatches back to
// the queue, and dead-lettering messages whose handler fails.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/casereview/message"
)

// Handler processes one inbound wrapper addressed to the receiving agent.
// A non-nil error causes the message to be dead-lettered.
type Handler func(ctx context.Context, w *message.Wrapper) error

// Bus is the publish/receive port shared by all workers.
type Bus interface {
	// Send publishes a wrapper to the shared channel. Failures are reported
	// as *TransportError.
	Send(ctx context.Context, w *message.Wrapper) error

	// Receive runs one bounded receive window for the given agent id. Every
	// message observed during the window is decoded and compared against
	// agentID: a match is dispatched to handler and accepted, a mismatch is
	// abandoned back to the subscription, and a handler failure dead-letters
	// the message. Receive returns once maxWait elapses with no message;
	// callers loop to receive continuously.
	Receive(ctx context.Context, agentID string, handler Handler, maxWait time.Duration) error

	// EnsureSubscription creates the shared subscription if it does not
	// already exist. Idempotent.
	EnsureSubscription(ctx context.Context) error
}

// TransportError reports a bus send/receive infrastructure failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bus %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps an error as a transport failure.
func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
