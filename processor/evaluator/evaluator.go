// Package evaluator implements the risk evaluation coordinator. It validates
// the workflow state, marks the case as under evaluation, and forwards the
// transaction batch to the screener, which holds the actual screening logic.
package evaluator

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

// Processor is the evaluator's execute capability.
type Processor struct {
	agentID    string
	screenerID string
	bus        bus.Bus
	store      storage.Store
	states     *state.Manager
	logger     *slog.Logger
}

var _ agent.Executor = (*Processor)(nil)

// New creates the evaluator capability.
func New(agentID, screenerID string, b bus.Bus, store storage.Store, states *state.Manager, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		agentID:    agentID,
		screenerID: screenerID,
		bus:        b,
		store:      store,
		states:     states,
		logger:     logger.With("agent", agentID),
	}
}

// Execute confirms the case still has workflow state and stored
// transactions, then hands the batch to the screener.
func (p *Processor) Execute(ctx context.Context, cc *agent.CycleContext) (map[string]any, error) {
	// Responses from the screener acknowledge work already done; acting on
	// them would re-evaluate the case.
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

	// The extractor carries the batch in its message; storage covers a case
	// re-driven without one.
	txns, ok := storage.TransactionsFromPayload(cc.Payload["transactions"])
	if !ok {
		txns, err = p.store.Transactions(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("load transactions for %s: %w", caseID, err)
		}
	}

	if _, err := p.states.Update(ctx, cc.ConversationID, map[string]any{
		"status":        "evaluating",
		"current_agent": p.agentID,
	}); err != nil {
		return nil, fmt.Errorf("update workflow state: %w", err)
	}

	p.logger.Info("Case under evaluation",
		"case_id", caseID,
		"transactions", len(txns))

	env := message.NewEnvelope(uuid.New().String(), message.RoleAgent,
		fmt.Sprintf("Screen %d transactions for case %s", len(txns), caseID),
		cc.ConversationID, cc.TaskID)
	forward := message.NewWrapper(env, p.agentID, p.screenerID, map[string]any{
		"case_id":           caseID,
		"action":            "screen_transactions",
		"transactions":      storage.TransactionMaps(txns),
		"transaction_count": len(txns),
	})
	if err := p.bus.Send(ctx, forward); err != nil {
		return nil, fmt.Errorf("forward to screener: %w", err)
	}

	return map[string]any{
		"case_id":           caseID,
		"transaction_count": len(txns),
		"status":            "evaluating",
	}, nil
}
