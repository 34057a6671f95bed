package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/casereview/message"
)

// MemoryBus is an in-process Bus with the same shared-subscription semantics
// as the JetStream backend: one queue, content-based filtering by to_agent,
// abandoned messages staying visible to every reader, and an inspectable
// dead-letter channel. It backs embedded single-process deployments and tests.
type MemoryBus struct {
	logger *slog.Logger

	mu          sync.Mutex
	queue       []queuedMessage
	deadLetters []DeadLetter
	closed      bool

	// notify wakes receivers blocked waiting for traffic.
	notify chan struct{}
}

type queuedMessage struct {
	data    []byte
	headers map[string]string
}

// DeadLetter is one message moved to the dead-letter channel.
type DeadLetter struct {
	Data    []byte
	Headers map[string]string
	Reason  string
	Agent   string
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// EnsureSubscription is a no-op: the shared queue always exists.
func (b *MemoryBus) EnsureSubscription(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return NewTransportError("ensure subscription", fmt.Errorf("bus closed"))
	}
	return nil
}

// Send appends a wrapper to the shared queue.
func (b *MemoryBus) Send(_ context.Context, w *message.Wrapper) error {
	data, err := w.Encode()
	if err != nil {
		return NewTransportError("send", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return NewTransportError("send", fmt.Errorf("bus closed"))
	}
	b.queue = append(b.queue, queuedMessage{data: data, headers: w.Headers()})
	b.mu.Unlock()

	b.signal()
	messagesSent.WithLabelValues(w.FromAgent).Inc()
	return nil
}

// Receive waits up to maxWait for traffic, then makes one pass over the
// queued messages and handles at most one match, mirroring the JetStream
// backend's single-message fetch window. Mismatches are left in place for
// other readers; a handler failure dead-letters the match.
func (b *MemoryBus) Receive(ctx context.Context, agentID string, handler Handler, maxWait time.Duration) error {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return NewTransportError("receive", fmt.Errorf("bus closed"))
		}
		if len(b.queue) > 0 {
			pending := b.queue
			b.queue = nil
			b.mu.Unlock()
			b.processPass(ctx, agentID, handler, pending)
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-b.notify:
		}
	}
}

// processPass filters one snapshot of the queue for agentID, handling at most
// one matching message. Everything after the handled message is returned to
// the queue untouched.
func (b *MemoryBus) processPass(ctx context.Context, agentID string, handler Handler, pending []queuedMessage) {
	var remaining []queuedMessage

	for i, qm := range pending {
		w, err := message.Decode(qm.data)
		if err != nil {
			b.logger.Error("Undecodable message, dead-lettering", "agent", agentID, "error", err)
			b.recordDeadLetter(qm, agentID, fmt.Sprintf("decode: %v", err))
			continue
		}

		if w.ToAgent != agentID {
			remaining = append(remaining, qm)
			messagesAbandoned.WithLabelValues(agentID).Inc()
			continue
		}

		if err := handler(ctx, w); err != nil {
			b.logger.Error("Handler failed, dead-lettering",
				"agent", agentID,
				"from", w.FromAgent,
				"error", err)
			b.recordDeadLetter(qm, agentID, err.Error())
		} else {
			messagesAccepted.WithLabelValues(agentID).Inc()
		}
		remaining = append(remaining, pending[i+1:]...)
		break
	}

	if len(remaining) == 0 {
		return
	}

	// Returned messages go back ahead of anything sent during the pass so
	// queue order is preserved for the next reader.
	b.mu.Lock()
	b.queue = append(remaining, b.queue...)
	b.mu.Unlock()
	b.signal()
}

func (b *MemoryBus) recordDeadLetter(qm queuedMessage, agentID, reason string) {
	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Data:    qm.data,
		Headers: qm.headers,
		Reason:  reason,
		Agent:   agentID,
	})
	b.mu.Unlock()
	messagesDeadLettered.WithLabelValues(agentID).Inc()
}

// DeadLetters returns a copy of the dead-letter channel contents.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Pending returns the number of messages currently visible on the queue.
func (b *MemoryBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close marks the bus closed; subsequent operations fail with TransportError.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *MemoryBus) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
