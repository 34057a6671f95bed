package extractor

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/c360studio/casereview/agent"
	"github.com/c360studio/casereview/bus"
	"github.com/c360studio/casereview/message"
	"github.com/c360studio/casereview/state"
	"github.com/c360studio/casereview/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "casereview.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestExtractorExecute(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)
	b := bus.NewMemoryBus(nil)

	csvPath := filepath.Join(t.TempDir(), "case.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(
		"transaction_id,country,jurisdiction,amount\nTX-1,Germany,EU,100\nTX-2,Syria,Offshore,5000\n"), 0o644))

	_, err := states.CreateInitial(ctx, "CASE-001", csvPath, "conv-1")
	require.NoError(t, err)

	p := New("extractor-agent", "evaluator-agent", b, store, states, nil)
	result, err := p.Execute(ctx, &agent.CycleContext{
		ConversationID: "conv-1",
		Payload:        map[string]any{"case_id": "CASE-001"},
	})
	require.NoError(t, err)
	assert.Equal(t, "extracted", result["status"])
	assert.Equal(t, 2, result["transaction_count"])

	// Transactions are persisted and normalized with case-scoped ids.
	txns, err := store.Transactions(ctx, "CASE-001")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "CASE-001-1", txns[0].ID)
	assert.Equal(t, "CASE-001", txns[0].CaseID)

	// Workflow state advanced.
	record, err := states.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "extracted", record["status"])
	assert.Equal(t, "extractor-agent", record["current_agent"])
	assert.Len(t, record["extracted_transactions"], 2)

	// The case moved to the evaluator.
	require.Equal(t, 1, b.Pending())
	var forwarded *message.Wrapper
	require.NoError(t, b.Receive(ctx, "evaluator-agent",
		func(_ context.Context, w *message.Wrapper) error {
			forwarded = w
			return nil
		}, 0))
	require.NotNil(t, forwarded)
	assert.Equal(t, "extractor-agent", forwarded.FromAgent)
	assert.Equal(t, "conv-1", forwarded.ConversationID)
	assert.Equal(t, "evaluate_transactions", forwarded.Payload["action"])
	assert.Equal(t, "CASE-001", forwarded.Payload["case_id"])

	// The batch itself rides along so the evaluator need not re-read storage.
	carried, ok := storage.TransactionsFromPayload(forwarded.Payload["transactions"])
	require.True(t, ok)
	require.Len(t, carried, 2)
	assert.Equal(t, "CASE-001-1", carried[0].ID)
	assert.Equal(t, "TX-2", carried[1].TransactionID)
	assert.Equal(t, 5000.0, carried[1].Amount)
}

func TestExtractorAcknowledgesResponses(t *testing.T) {
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)
	b := bus.NewMemoryBus(nil)
	p := New("extractor-agent", "evaluator-agent", b, store, states, nil)

	result, err := p.Execute(context.Background(), &agent.CycleContext{
		ConversationID: "conv-1",
		Payload:        map[string]any{"type": "response", "status": "success"},
	})
	require.NoError(t, err)
	assert.Equal(t, "acknowledged", result["status"])
	assert.Zero(t, b.Pending())
}

func TestExtractorExecuteMissingState(t *testing.T) {
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)
	p := New("extractor-agent", "evaluator-agent", bus.NewMemoryBus(nil), store, states, nil)

	_, err := p.Execute(context.Background(), &agent.CycleContext{ConversationID: "missing"})
	assert.ErrorIs(t, err, state.ErrStateNotFound)
}

func TestExtractorExecuteMissingFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)

	_, err := states.CreateInitial(ctx, "CASE-002", "", "conv-2")
	require.NoError(t, err)

	p := New("extractor-agent", "evaluator-agent", bus.NewMemoryBus(nil), store, states, nil)
	_, err = p.Execute(ctx, &agent.CycleContext{ConversationID: "conv-2"})
	assert.ErrorContains(t, err, "no source file")
}
