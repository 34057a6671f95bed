package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/casereview/bus"
	"github.com/c360studio/casereview/discovery"
	"github.com/c360studio/casereview/message"
	"github.com/c360studio/casereview/storage"
)

const (
	// defaultReceiveWait bounds each receive window.
	defaultReceiveWait = 5 * time.Second

	// defaultRetrySleep is the fixed pause after a transport failure.
	defaultRetrySleep = 5 * time.Second
)

// Worker runs the receive loop for one pipeline agent: fetch a message, run
// it through the cycle, persist the task record, answer the sender.
type Worker struct {
	id        string
	bus       bus.Bus
	store     storage.Store
	cycle     *Cycle
	discovery *discovery.Service
	logger    *slog.Logger

	receiveWait time.Duration
	retrySleep  time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithReceiveWait overrides the receive window length.
func WithReceiveWait(d time.Duration) WorkerOption {
	return func(w *Worker) { w.receiveWait = d }
}

// WithRetrySleep overrides the pause after transport failures.
func WithRetrySleep(d time.Duration) WorkerOption {
	return func(w *Worker) { w.retrySleep = d }
}

// NewWorker wires a worker around its cycle.
func NewWorker(id string, b bus.Bus, store storage.Store, cycle *Cycle, disc *discovery.Service, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		id:          id,
		bus:         b,
		store:       store,
		cycle:       cycle,
		discovery:   disc,
		logger:      logger.With("agent", id),
		receiveWait: defaultReceiveWait,
		retrySleep:  defaultRetrySleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's agent id.
func (w *Worker) ID() string {
	return w.id
}

// Start runs the worker until the context is cancelled. Transport failures
// are logged and retried after a fixed sleep; they never stop the loop.
func (w *Worker) Start(ctx context.Context) error {
	for {
		err := w.bus.EnsureSubscription(ctx)
		if err == nil {
			break
		}
		w.logger.Error("Failed to ensure subscription, retrying", "error", err)
		if !w.sleep(ctx) {
			return ctx.Err()
		}
	}

	w.logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return ctx.Err()
		default:
		}

		err := w.bus.Receive(ctx, w.id, w.Handle, w.receiveWait)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			w.logger.Info("Worker stopped")
			return ctx.Err()
		}
		if bus.IsTransport(err) {
			w.logger.Error("Transport failure, backing off", "error", err)
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		w.logger.Error("Receive failed", "error", err)
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.retrySleep):
		return true
	}
}

// Handle processes one inbound wrapper. A returned error dead-letters the
// message, so only failures that should divert the message are returned.
func (w *Worker) Handle(ctx context.Context, wrapper *message.Wrapper) error {
	conversationID := wrapper.ConversationID
	if conversationID == "" {
		conversationID = wrapper.CorrelationID
	}
	taskID := wrapper.CorrelationID
	if taskID == "" {
		taskID = wrapper.Envelope.MessageID
	}

	w.logger.Info("Handling task",
		"task_id", taskID,
		"from", wrapper.FromAgent,
		"conversation_id", conversationID)

	// The inbound message joins the conversation trace before anything else.
	if conversationID != "" {
		entry := map[string]any{
			"type":       "message",
			"from_agent": wrapper.FromAgent,
			"to_agent":   wrapper.ToAgent,
			"text":       wrapper.Envelope.Text(),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := w.store.AppendConversation(ctx, conversationID, entry); err != nil {
			return fmt.Errorf("record conversation entry: %w", err)
		}
	}

	if err := w.saveTask(ctx, taskID, wrapper, "processing", nil); err != nil {
		return fmt.Errorf("record task: %w", err)
	}

	cc := &CycleContext{
		TaskID:         taskID,
		ConversationID: conversationID,
		FromAgent:      wrapper.FromAgent,
		Text:           wrapper.Envelope.Text(),
		Payload:        wrapper.Payload,
	}

	result, err := w.cycle.Run(ctx, cc)
	if err != nil {
		// Infrastructure failure before execution. The originator still gets
		// an error response; the message itself is diverted.
		w.respond(ctx, wrapper, conversationID, taskID, &Result{
			Status:    "error",
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return fmt.Errorf("cycle: %w", err)
	}

	if err := w.saveTask(ctx, taskID, wrapper, "completed", cc); err != nil {
		return fmt.Errorf("record task completion: %w", err)
	}

	w.respond(ctx, wrapper, conversationID, taskID, result)
	return nil
}

func (w *Worker) saveTask(ctx context.Context, taskID string, wrapper *message.Wrapper, status string, cc *CycleContext) error {
	record := map[string]any{
		"task_id":    taskID,
		"status":     status,
		"from_agent": wrapper.FromAgent,
		"text":       wrapper.Envelope.Text(),
		"payload":    wrapper.Payload,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if cc != nil {
		record["perception"] = map[string]any{
			"understanding": cc.Perception.Understanding,
			"priority":      cc.Perception.Priority,
		}
		record["plan"] = planToAny(cc.Plan)
		record["result"] = resultToAny(cc.Outcome)
		if cc.Learning != nil {
			record["learning"] = cc.Learning.Lesson
		}
	}
	return w.store.SaveTask(ctx, w.id, taskID, record)
}

// respond answers the originating agent with the cycle outcome. Responses go
// only to agents the worker can discover, and responses themselves are never
// answered, so two workers cannot ping-pong forever.
func (w *Worker) respond(ctx context.Context, wrapper *message.Wrapper, conversationID, taskID string, result *Result) {
	if wrapper.Payload["type"] == "response" {
		return
	}
	if wrapper.FromAgent == "" || wrapper.FromAgent == w.id {
		return
	}
	if !w.discovery.KnownAgent(wrapper.FromAgent) {
		w.logger.Debug("Originator not discoverable, skipping response", "from", wrapper.FromAgent)
		return
	}

	text := fmt.Sprintf("Task %s completed with status %s", taskID, result.Status)
	payload := map[string]any{
		"type":    "response",
		"status":  result.Status,
		"task_id": taskID,
	}
	if result.Error != "" {
		payload["error"] = result.Error
		text = fmt.Sprintf("Task %s failed: %s", taskID, result.Error)
	}
	if caseID, ok := wrapper.Payload["case_id"]; ok {
		payload["case_id"] = caseID
	}

	env := message.NewEnvelope(uuid.New().String(), message.RoleAgent, text, conversationID, taskID)
	response := message.NewWrapper(env, w.id, wrapper.FromAgent, payload)

	if err := w.bus.Send(ctx, response); err != nil {
		w.logger.Warn("Failed to send response", "to", wrapper.FromAgent, "error", err)
	}
}
