// Package agent implements the per-task reasoning cycle and the worker loop
// shared by every pipeline processor. A worker receives one directed message
// at a time and runs it through a fixed five-phase cycle: sense, perceive,
// plan, execute, learn. The cycle always completes; execution failures become
// error results, never aborts.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/casereview/discovery"
	"github.com/c360studio/casereview/llm"
	"github.com/c360studio/casereview/model"
	"github.com/c360studio/casereview/prompts"
	"github.com/c360studio/casereview/storage"
)

// defaultGoal is assumed when a task arrives with no explicit goals.
const defaultGoal = "Complete assigned task"

// CycleContext carries one task through the five phases.
type CycleContext struct {
	TaskID         string
	ConversationID string
	FromAgent      string
	Text           string
	Payload        map[string]any
	Goals          []string

	// Filled by SENSE.
	Tools   []discovery.Descriptor
	Agents  []discovery.Descriptor
	History []map[string]any

	// Filled by the later phases.
	Perception *Perception
	Plan       []PlanStep
	Outcome    *Result
	Learning   *Learning
}

// Perception is the cycle's interpretation of a task.
type Perception struct {
	Understanding string `json:"understanding"`
	Priority      string `json:"priority"`
}

// PlanStep is one step of an execution plan.
type PlanStep struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// Learning is the reflection recorded after execution.
type Learning struct {
	Lesson string `json:"lesson"`
}

// Result is the outcome of the execute phase.
type Result struct {
	Status    string         `json:"status"` // "success" or "error"
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Executor is the worker-specific capability invoked during the execute
// phase.
type Executor interface {
	Execute(ctx context.Context, cc *CycleContext) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cc *CycleContext) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, cc *CycleContext) (map[string]any, error) {
	return f(ctx, cc)
}

// Cycle runs tasks through the five phases for one worker. The model client
// is optional: with a nil client every model-backed phase degrades to its
// deterministic fallback.
type Cycle struct {
	agentID   string
	discovery *discovery.Service
	store     storage.Store
	client    *llm.Client
	prompts   *prompts.Manager
	executor  Executor
	logger    *slog.Logger
}

// NewCycle wires a cycle for one worker. discovery, store, prompts and
// executor are required; client may be nil.
func NewCycle(agentID string, disc *discovery.Service, store storage.Store, client *llm.Client, pm *prompts.Manager, executor Executor, logger *slog.Logger) *Cycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cycle{
		agentID:   agentID,
		discovery: disc,
		store:     store,
		client:    client,
		prompts:   pm,
		executor:  executor,
		logger:    logger.With("agent", agentID),
	}
}

// Run executes one full cycle. Only an infrastructure failure during SENSE
// returns an error; everything after that is absorbed into the result.
func (c *Cycle) Run(ctx context.Context, cc *CycleContext) (*Result, error) {
	if err := c.sense(ctx, cc); err != nil {
		return nil, fmt.Errorf("sense: %w", err)
	}
	c.perceive(ctx, cc)
	c.plan(ctx, cc)
	c.execute(ctx, cc)
	c.learn(ctx, cc)
	return cc.Outcome, nil
}

// sense gathers the worker's view of the world: discovery descriptors and
// prior context, keyed by conversation id when present, else by task id.
func (c *Cycle) sense(ctx context.Context, cc *CycleContext) error {
	cc.Tools = c.discovery.Tools()
	cc.Agents = c.discovery.Agents()

	if len(cc.Goals) == 0 {
		cc.Goals = []string{defaultGoal}
	}

	if cc.ConversationID != "" {
		history, err := c.store.ConversationHistory(ctx, cc.ConversationID)
		if err != nil {
			return fmt.Errorf("conversation history %s: %w", cc.ConversationID, err)
		}
		cc.History = history
	}

	// A conversation with no entries yet carries no context; the task record
	// is the next best source.
	if len(cc.History) == 0 && cc.TaskID != "" {
		task, err := c.store.GetTask(ctx, c.agentID, cc.TaskID)
		switch {
		case err == nil:
			cc.History = []map[string]any{task}
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("task record %s: %w", cc.TaskID, err)
		}
	}

	c.logger.Debug("Sensed environment",
		"tools", len(cc.Tools),
		"agents", len(cc.Agents),
		"history", len(cc.History))
	return nil
}

// perceive interprets the task. The model's raw free text is stored as the
// understanding without structured parsing.
func (c *Cycle) perceive(ctx context.Context, cc *CycleContext) {
	cc.Perception = &Perception{Understanding: "basic", Priority: "medium"}
	if c.client == nil {
		return
	}

	system, user, err := c.prompts.Render(prompts.Perception, map[string]any{
		"AgentID":    c.agentID,
		"Task":       cc.Text,
		"ToolCount":  len(cc.Tools),
		"AgentCount": len(cc.Agents),
		"Context":    serializeHistory(cc.History),
	})
	if err != nil {
		c.logger.Warn("Perception prompt failed, using fallback", "error", err)
		return
	}

	resp, err := c.complete(ctx, model.CapabilityPerception, system, user)
	if err != nil {
		c.logger.Warn("Perception model unavailable, using fallback", "error", err)
		return
	}
	cc.Perception.Understanding = resp.Content
}

// plan produces the execution plan. Planning is single-step: the model output
// becomes one synthetic step, and the fallback is one fixed step.
func (c *Cycle) plan(ctx context.Context, cc *CycleContext) {
	fallback := []PlanStep{{
		Step:        1,
		Action:      "execute_task",
		Description: "Execute the assigned task directly",
	}}
	cc.Plan = fallback
	if c.client == nil {
		return
	}

	system, user, err := c.prompts.Render(prompts.Planning, map[string]any{
		"AgentID":       c.agentID,
		"Task":          cc.Text,
		"Understanding": cc.Perception.Understanding,
	})
	if err != nil {
		c.logger.Warn("Planning prompt failed, using fallback", "error", err)
		return
	}

	resp, err := c.complete(ctx, model.CapabilityPlanning, system, user)
	if err != nil {
		c.logger.Warn("Planning model unavailable, using fallback", "error", err)
		return
	}
	cc.Plan = []PlanStep{{
		Step:        1,
		Action:      "execute_task",
		Description: resp.Content,
	}}
}

// execute invokes the worker capability. Errors are absorbed into an error
// result so the cycle always reaches the learn phase.
func (c *Cycle) execute(ctx context.Context, cc *CycleContext) {
	output, err := c.executor.Execute(ctx, cc)
	now := time.Now().UTC()
	if err != nil {
		c.logger.Error("Execution failed", "task_id", cc.TaskID, "error", err)
		cc.Outcome = &Result{
			Status:    "error",
			Error:     err.Error(),
			Timestamp: now,
		}
		return
	}
	cc.Outcome = &Result{
		Status:    "success",
		Result:    output,
		Timestamp: now,
	}
}

// learn reflects on the cycle and appends a memory record to the conversation
// history. This record is the only durable reasoning trace; failures to write
// it are logged, not raised.
func (c *Cycle) learn(ctx context.Context, cc *CycleContext) {
	cc.Learning = &Learning{Lesson: c.reflect(ctx, cc)}

	key := cc.ConversationID
	if key == "" {
		key = cc.TaskID
	}
	if key == "" {
		return
	}

	entry := map[string]any{
		"type":      "memory",
		"agent_id":  c.agentID,
		"plan":      planToAny(cc.Plan),
		"results":   resultToAny(cc.Outcome),
		"learning":  cc.Learning.Lesson,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.store.AppendConversation(ctx, key, entry); err != nil {
		c.logger.Warn("Failed to record memory", "conversation_id", key, "error", err)
	}
}

func (c *Cycle) reflect(ctx context.Context, cc *CycleContext) string {
	if c.client == nil {
		if cc.Outcome.Status == "success" {
			return "Task completed as planned"
		}
		return "Task failed; review the error before retrying similar work"
	}

	system, user, err := c.prompts.Render(prompts.Learning, map[string]any{
		"AgentID": c.agentID,
		"Plan":    serializePlan(cc.Plan),
		"Results": serializeResult(cc.Outcome),
	})
	if err != nil {
		c.logger.Warn("Learning prompt failed, using fallback", "error", err)
		return "Task completed as planned"
	}

	resp, err := c.complete(ctx, model.CapabilityLearning, system, user)
	if err != nil {
		c.logger.Warn("Learning model unavailable, using fallback", "error", err)
		return "Task completed as planned"
	}
	return resp.Content
}

func (c *Cycle) complete(ctx context.Context, cap model.Capability, system, user string) (*llm.Response, error) {
	return c.client.Complete(ctx, llm.Request{
		Capability: cap.String(),
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
}

func serializeHistory(history []map[string]any) string {
	if len(history) == 0 {
		return "(none)"
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "(unserializable)"
	}
	return string(data)
}

func serializePlan(plan []PlanStep) string {
	var b strings.Builder
	for _, step := range plan {
		fmt.Fprintf(&b, "%d. %s: %s\n", step.Step, step.Action, step.Description)
	}
	return b.String()
}

func serializeResult(r *Result) string {
	data, err := json.Marshal(r)
	if err != nil {
		return r.Status
	}
	return string(data)
}

func planToAny(plan []PlanStep) []map[string]any {
	out := make([]map[string]any, len(plan))
	for i, step := range plan {
		out[i] = map[string]any{
			"step":        step.Step,
			"action":      step.Action,
			"description": step.Description,
		}
	}
	return out
}

func resultToAny(r *Result) map[string]any {
	if r == nil {
		return nil
	}
	out := map[string]any{
		"status":    r.Status,
		"timestamp": r.Timestamp.Format(time.RFC3339Nano),
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.Result != nil {
		out["result"] = r.Result
	}
	return out
}
