// Package orchestrator owns the front of the pipeline: it accepts case
// submissions over HTTP, creates the workflow state, and starts the case
// through the extractor. Its worker also collects the response traffic the
// other agents send back.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/c360studio/casereview/agent"
)

// Processor is the orchestrator's execute capability. Inbound traffic for the
// orchestrator is pipeline responses and status chatter; there is nothing to
// act on beyond recording it, which the worker already does.
type Processor struct {
	agentID string
	logger  *slog.Logger
}

var _ agent.Executor = (*Processor)(nil)

// New creates the orchestrator capability.
func New(agentID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		agentID: agentID,
		logger:  logger.With("agent", agentID),
	}
}

// Execute acknowledges the inbound message. Response payloads are logged so
// the pipeline's progress shows up in the orchestrator's output.
func (p *Processor) Execute(_ context.Context, cc *agent.CycleContext) (map[string]any, error) {
	if cc.Payload["type"] == "response" {
		p.logger.Info("Pipeline response received",
			"from", cc.FromAgent,
			"status", cc.Payload["status"],
			"case_id", cc.Payload["case_id"])
	}
	return map[string]any{
		"status": "orchestrated",
	}, nil
}
