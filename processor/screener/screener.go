// Package screener implements the terminal screening worker: it runs every
// stored transaction through the rules engine, writes the screening results
// and summary into the workflow state, and completes the case.
package screener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/casereview/agent"
	"github.com/c360studio/casereview/llm"
	"github.com/c360studio/casereview/model"
	"github.com/c360studio/casereview/prompts"
	"github.com/c360studio/casereview/rules"
	"github.com/c360studio/casereview/state"
	"github.com/c360studio/casereview/storage"
)

// Processor is the screener's execute capability.
type Processor struct {
	agentID string
	engine  *rules.Engine
	store   storage.Store
	states  *state.Manager
	client  *llm.Client // nil = deterministic summaries
	prompts *prompts.Manager
	logger  *slog.Logger
}

var _ agent.Executor = (*Processor)(nil)

// New creates the screener capability. client may be nil; the summary then
// uses its deterministic fallback.
func New(agentID string, engine *rules.Engine, store storage.Store, states *state.Manager, client *llm.Client, pm *prompts.Manager, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		agentID: agentID,
		engine:  engine,
		store:   store,
		states:  states,
		client:  client,
		prompts: pm,
		logger:  logger.With("agent", agentID),
	}
}

// Execute screens the case's transactions and completes the workflow.
func (p *Processor) Execute(ctx context.Context, cc *agent.CycleContext) (map[string]any, error) {
	// Responses acknowledge work already done; re-screening on them would
	// overwrite a completed case.
	if cc.Payload["type"] == "response" {
		return map[string]any{"status": "acknowledged"}, nil
	}

	record, err := p.states.Load(ctx, cc.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load workflow state: %w", err)
	}

	caseID, _ := record["case_id"].(string)
	if v, ok := cc.Payload["case_id"].(string); ok && v != "" {
		caseID = v
	}

	// The evaluator carries the batch in its message; storage covers a case
	// re-driven without one.
	txns, ok := storage.TransactionsFromPayload(cc.Payload["transactions"])
	if !ok {
		txns, err = p.store.Transactions(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("load transactions for %s: %w", caseID, err)
		}
	}

	_, flagged := p.engine.EvaluateAll(txns)
	summary := p.summarize(ctx, caseID, len(txns), flagged)

	flaggedRecords := make([]map[string]any, len(flagged))
	for i, ev := range flagged {
		flaggedRecords[i] = map[string]any{
			"transaction_id": ev.TransactionID,
			"amount":         ev.Amount,
			"reason":         ev.Reason,
		}
	}

	results := map[string]any{
		"case_id":              caseID,
		"total_transactions":   len(txns),
		"flagged_count":        len(flagged),
		"flagged_transactions": flaggedRecords,
		"summary":              summary,
		"timestamp":            time.Now().UTC().Format(time.RFC3339Nano),
	}

	if _, err := p.states.Update(ctx, cc.ConversationID, map[string]any{
		"screening_results": results,
		"summary":           summary,
		"status":            "completed",
		"current_agent":     p.agentID,
	}); err != nil {
		return nil, fmt.Errorf("update workflow state: %w", err)
	}

	p.logger.Info("Case screening completed",
		"case_id", caseID,
		"total", len(txns),
		"flagged", len(flagged))

	return map[string]any{
		"case_id":       caseID,
		"flagged_count": len(flagged),
		"status":        "completed",
	}, nil
}

// summarize writes the case summary. The model path may fail for any reason;
// the deterministic fallback always names the case id and flagged count.
func (p *Processor) summarize(ctx context.Context, caseID string, total int, flagged []rules.Evaluation) string {
	fallback := fmt.Sprintf("Case %s screened: %d of %d transactions flagged for review.",
		caseID, len(flagged), total)

	if p.client == nil {
		return fallback
	}

	var details strings.Builder
	for _, ev := range flagged {
		fmt.Fprintf(&details, "%s: %s\n", ev.TransactionID, ev.Reason)
	}

	system, user, err := p.prompts.Render(prompts.ScreeningSummary, map[string]any{
		"CaseID":       caseID,
		"Total":        total,
		"FlaggedCount": len(flagged),
		"Flagged":      details.String(),
	})
	if err != nil {
		p.logger.Warn("Summary prompt failed, using fallback", "error", err)
		return fallback
	}

	resp, err := p.client.Complete(ctx, llm.Request{
		Capability: model.CapabilitySummary.String(),
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		p.logger.Warn("Summary model unavailable, using fallback", "error", err)
		return fallback
	}
	return resp.Content
}
