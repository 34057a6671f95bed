package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/casereview/message"
)

const (
	// defaultMaxWait bounds a receive window when the caller passes zero.
	defaultMaxWait = 5 * time.Second

	// abandonDelay keeps a mismatched reader from immediately refetching a
	// wrapper it just returned to the subscription.
	abandonDelay = 200 * time.Millisecond

	// headerDeadLetterReason records why a message was dead-lettered.
	headerDeadLetterReason = "dead_letter_reason"
)

// JetStreamConfig configures the JetStream-backed bus.
type JetStreamConfig struct {
	// StreamName is the JetStream stream holding the shared channel.
	StreamName string `yaml:"stream_name"`

	// Subject carries all wrapper traffic.
	Subject string `yaml:"subject"`

	// DeadLetterSubject is the non-consumable side channel for failed messages.
	DeadLetterSubject string `yaml:"dead_letter_subject"`

	// ConsumerName is the shared durable consumer read by every worker.
	ConsumerName string `yaml:"consumer_name"`

	// AckWait is how long a fetched message stays locked before it becomes
	// visible again on its own.
	AckWait time.Duration `yaml:"ack_wait"`
}

// DefaultJetStreamConfig returns the stock stream/consumer layout.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		StreamName:        "CASEREVIEW",
		Subject:           "casereview.messages",
		DeadLetterSubject: "casereview.deadletter",
		ConsumerName:      "casereview-workers",
		AckWait:           30 * time.Second,
	}
}

// JetStreamBus implements Bus over a NATS JetStream stream with one shared
// durable consumer. Accept maps to Ack, abandon to Nak, and dead-letter to a
// publish on the dead-letter subject followed by Term.
type JetStreamBus struct {
	js     jetstream.JetStream
	config JetStreamConfig
	logger *slog.Logger

	consumer jetstream.Consumer
}

// NewJetStreamBus creates a bus over an established NATS connection.
func NewJetStreamBus(nc *nats.Conn, config JetStreamConfig, logger *slog.Logger) (*JetStreamBus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamBus{
		js:     js,
		config: config,
		logger: logger,
	}, nil
}

// EnsureSubscription creates the stream and the shared durable consumer if
// they do not already exist. Safe to call from every worker at startup.
func (b *JetStreamBus) EnsureSubscription(ctx context.Context) error {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.config.StreamName,
		Subjects: []string{b.config.Subject, b.config.DeadLetterSubject},
	})
	if err != nil {
		return NewTransportError("ensure stream", err)
	}

	// MaxDeliver is unlimited: abandonment is routine routing, not failure,
	// so a wrapper must survive any number of mismatched readers.
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       b.config.ConsumerName,
		FilterSubject: b.config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.config.AckWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return NewTransportError("ensure consumer", err)
	}

	b.consumer = consumer
	return nil
}

// Send publishes a wrapper to the shared subject with its routing headers
// mirrored out-of-band.
func (b *JetStreamBus) Send(ctx context.Context, w *message.Wrapper) error {
	data, err := w.Encode()
	if err != nil {
		return NewTransportError("send", err)
	}

	msg := &nats.Msg{
		Subject: b.config.Subject,
		Header:  nats.Header{},
		Data:    data,
	}
	for key, value := range w.Headers() {
		msg.Header.Set(key, value)
	}

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return NewTransportError("send", err)
	}

	messagesSent.WithLabelValues(w.FromAgent).Inc()
	b.logger.Debug("Message sent",
		"from", w.FromAgent,
		"to", w.ToAgent,
		"conversation_id", w.ConversationID)
	return nil
}

// Receive runs one bounded fetch window against the shared consumer.
func (b *JetStreamBus) Receive(ctx context.Context, agentID string, handler Handler, maxWait time.Duration) error {
	if b.consumer == nil {
		return NewTransportError("receive", fmt.Errorf("subscription not initialized"))
	}
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	batch, err := b.consumer.Fetch(1, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewTransportError("receive", err)
	}

	for msg := range batch.Messages() {
		b.dispatch(ctx, agentID, handler, msg)
	}

	if err := batch.Error(); err != nil && err != context.DeadlineExceeded {
		return NewTransportError("receive", err)
	}
	return nil
}

// dispatch routes one fetched message: accept, abandon, or dead-letter.
func (b *JetStreamBus) dispatch(ctx context.Context, agentID string, handler Handler, msg jetstream.Msg) {
	w, err := message.Decode(msg.Data())
	if err != nil {
		b.logger.Error("Undecodable message, dead-lettering", "agent", agentID, "error", err)
		b.deadLetter(ctx, agentID, msg, fmt.Sprintf("decode: %v", err))
		return
	}

	if w.ToAgent != agentID {
		// Not ours: return it to the subscription for any other reader.
		if err := msg.NakWithDelay(abandonDelay); err != nil {
			b.logger.Warn("Failed to abandon message", "agent", agentID, "error", err)
			return
		}
		messagesAbandoned.WithLabelValues(agentID).Inc()
		return
	}

	b.logger.Info("Message received",
		"agent", agentID,
		"from", w.FromAgent,
		"conversation_id", w.ConversationID)

	if err := handler(ctx, w); err != nil {
		b.logger.Error("Handler failed, dead-lettering",
			"agent", agentID,
			"from", w.FromAgent,
			"error", err)
		b.deadLetter(ctx, agentID, msg, err.Error())
		return
	}

	if err := msg.Ack(); err != nil {
		b.logger.Warn("Failed to accept message", "agent", agentID, "error", err)
		return
	}
	messagesAccepted.WithLabelValues(agentID).Inc()
}

// deadLetter copies the message to the dead-letter subject and terminates the
// original so it is never redelivered. There is no automatic retry; recovery
// from the dead-letter channel is an operational process.
func (b *JetStreamBus) deadLetter(ctx context.Context, agentID string, msg jetstream.Msg, reason string) {
	dlq := &nats.Msg{
		Subject: b.config.DeadLetterSubject,
		Header:  nats.Header{},
		Data:    msg.Data(),
	}
	for key, values := range msg.Headers() {
		for _, v := range values {
			dlq.Header.Add(key, v)
		}
	}
	dlq.Header.Set(headerDeadLetterReason, reason)

	if _, err := b.js.PublishMsg(ctx, dlq); err != nil {
		// Keep the original alive rather than lose it entirely.
		b.logger.Error("Failed to publish dead-letter, abandoning original", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			b.logger.Warn("Failed to abandon after dead-letter failure", "error", nakErr)
		}
		return
	}

	if err := msg.Term(); err != nil {
		b.logger.Warn("Failed to terminate dead-lettered message", "error", err)
	}
	messagesDeadLettered.WithLabelValues(agentID).Inc()
}
