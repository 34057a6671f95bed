// Package extractor implements the transaction extraction worker: it parses
// a case's source file, persists the transactions, and hands the case to the
// evaluator.
package extractor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360studio/casereview/agent"
	"github.com/c360studio/casereview/bus"
	"github.com/c360studio/casereview/message"
	"github.com/c360studio/casereview/state"
	"github.com/c360studio/casereview/storage"
)

// Processor is the extractor's execute capability.
type Processor struct {
	agentID     string
	evaluatorID string
	bus         bus.Bus
	store       storage.Store
	states      *state.Manager
	logger      *slog.Logger
}

var _ agent.Executor = (*Processor)(nil)

// New creates the extractor capability.
func New(agentID, evaluatorID string, b bus.Bus, store storage.Store, states *state.Manager, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		agentID:     agentID,
		evaluatorID: evaluatorID,
		bus:         b,
		store:       store,
		states:      states,
		logger:      logger.With("agent", agentID),
	}
}

// Execute parses the case source file, stores the transactions, advances the
// workflow state to "extracted", and emits the case to the evaluator.
func (p *Processor) Execute(ctx context.Context, cc *agent.CycleContext) (map[string]any, error) {
	// Responses from downstream agents acknowledge work already done; acting
	// on them would re-extract the case.
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

	filePath, _ := record["file_path"].(string)
	if v, ok := cc.Payload["file_path"].(string); ok && v != "" {
		filePath = v
	}
	if filePath == "" {
		return nil, fmt.Errorf("no source file for case %s", caseID)
	}

	txns, err := ParseFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	txns = storage.NormalizeTransactions(caseID, txns)

	if err := p.store.SaveTransactions(ctx, caseID, txns); err != nil {
		return nil, fmt.Errorf("store transactions: %w", err)
	}

	extracted := make([]map[string]any, len(txns))
	for i, t := range txns {
		extracted[i] = map[string]any{
			"id":             t.ID,
			"transaction_id": t.TransactionID,
			"amount":         t.Amount,
		}
	}
	if _, err := p.states.Update(ctx, cc.ConversationID, map[string]any{
		"extracted_transactions": extracted,
		"status":                 "extracted",
		"current_agent":          p.agentID,
	}); err != nil {
		return nil, fmt.Errorf("update workflow state: %w", err)
	}

	p.logger.Info("Transactions extracted",
		"case_id", caseID,
		"count", len(txns),
		"file", filePath)

	env := message.NewEnvelope(uuid.New().String(), message.RoleAgent,
		fmt.Sprintf("Evaluate %d transactions for case %s", len(txns), caseID),
		cc.ConversationID, cc.TaskID)
	forward := message.NewWrapper(env, p.agentID, p.evaluatorID, map[string]any{
		"case_id":           caseID,
		"action":            "evaluate_transactions",
		"transactions":      storage.TransactionMaps(txns),
		"transaction_count": len(txns),
	})
	if err := p.bus.Send(ctx, forward); err != nil {
		return nil, fmt.Errorf("forward to evaluator: %w", err)
	}

	return map[string]any{
		"case_id":           caseID,
		"transaction_count": len(txns),
		"status":            "extracted",
	}, nil
}
