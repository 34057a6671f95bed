// Package storage provides durable record storage for casereview workers.
// Two backends implement the same port: NATS KV for clustered deployments and
// SQLite for single-node or embedded operation.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists the four record families shared by the pipeline workers.
// All writes are blind upserts; readers get ErrNotFound for missing keys.
type Store interface {
	// SaveState stores a workflow-state record under the owning agent's
	// namespace.
	SaveState(ctx context.Context, agentID, stateID string, state map[string]any) error

	// GetState loads a workflow-state record, or ErrNotFound.
	GetState(ctx context.Context, agentID, stateID string) (map[string]any, error)

	// SaveTask stores a task record under the owning agent's namespace.
	SaveTask(ctx context.Context, agentID, taskID string, task map[string]any) error

	// GetTask loads a task record, or ErrNotFound.
	GetTask(ctx context.Context, agentID, taskID string) (map[string]any, error)

	// AppendConversation appends one entry to a conversation history.
	AppendConversation(ctx context.Context, conversationID string, entry map[string]any) error

	// ConversationHistory returns all entries for a conversation in append
	// order. A conversation with no entries yields an empty slice, not an
	// error.
	ConversationHistory(ctx context.Context, conversationID string) ([]map[string]any, error)

	// SaveTransactions replaces the stored transaction set for a case.
	SaveTransactions(ctx context.Context, caseID string, txns []Transaction) error

	// Transactions returns the stored transactions for a case ordered by
	// timestamp, or ErrNotFound when the case has none.
	Transactions(ctx context.Context, caseID string) ([]Transaction, error)
}

// Transaction is one financial transaction under review.
type Transaction struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Account       string    `json:"account,omitempty"`
	Country       string    `json:"country,omitempty"`
	Jurisdiction  string    `json:"jurisdiction,omitempty"`
	Amount        float64   `json:"amount"`
	CaseID        string    `json:"case_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TransactionMaps converts transactions to generic maps so a worker can carry
// them inside a message payload.
func TransactionMaps(txns []Transaction) []map[string]any {
	out := make([]map[string]any, len(txns))
	for i, t := range txns {
		m := map[string]any{
			"id":     t.ID,
			"amount": t.Amount,
		}
		if t.TransactionID != "" {
			m["transaction_id"] = t.TransactionID
		}
		if t.Account != "" {
			m["account"] = t.Account
		}
		if t.Country != "" {
			m["country"] = t.Country
		}
		if t.Jurisdiction != "" {
			m["jurisdiction"] = t.Jurisdiction
		}
		if t.CaseID != "" {
			m["case_id"] = t.CaseID
		}
		if !t.Timestamp.IsZero() {
			m["timestamp"] = t.Timestamp.Format(time.RFC3339Nano)
		}
		out[i] = m
	}
	return out
}

// TransactionsFromPayload decodes a transaction list carried in a message
// payload, tolerating the JSON round trip through the bus. Returns false when
// the value is absent, malformed, or empty.
func TransactionsFromPayload(v any) ([]Transaction, bool) {
	if v == nil {
		return nil, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var txns []Transaction
	if err := json.Unmarshal(data, &txns); err != nil {
		return nil, false
	}
	if len(txns) == 0 {
		return nil, false
	}
	return txns, true
}

// NormalizeTransactions fills in the derived fields a parsed source file may
// omit: the case id, a positional record id of the form caseID-<n>, and a
// capture timestamp.
func NormalizeTransactions(caseID string, txns []Transaction) []Transaction {
	now := time.Now().UTC()
	for i := range txns {
		if txns[i].ID == "" {
			txns[i].ID = fmt.Sprintf("%s-%d", caseID, i+1)
		}
		if txns[i].CaseID == "" {
			txns[i].CaseID = caseID
		}
		if txns[i].Timestamp.IsZero() {
			txns[i].Timestamp = now
		}
	}
	return txns
}
