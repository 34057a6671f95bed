package screener

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/c360studio/casereview/agent"
	"github.com/c360studio/casereview/prompts"
	"github.com/c360studio/casereview/rules"
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

func TestScreenerExecute(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)

	_, err := states.CreateInitial(ctx, "CASE-001", "case.csv", "conv-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	txns := storage.NormalizeTransactions("CASE-001", []storage.Transaction{
		{TransactionID: "TX-1", Country: "Germany", Jurisdiction: "EU", Amount: 100, Timestamp: now},
		{TransactionID: "TX-2", Country: "Syria", Jurisdiction: "Offshore", Amount: 5000, Timestamp: now.Add(time.Second)},
		{TransactionID: "TX-3", Country: "France", Jurisdiction: "Offshore", Amount: 500, Timestamp: now.Add(2 * time.Second)},
	})
	require.NoError(t, store.SaveTransactions(ctx, "CASE-001", txns))

	engine := rules.NewEngine(rules.Config{
		SensitiveCountries:     []string{"Syria"},
		SensitiveJurisdictions: []string{"Offshore"},
		RiskThreshold:          1000,
	}, nil)

	pm, err := prompts.NewManager(nil)
	require.NoError(t, err)

	p := New("screener-agent", engine, store, states, nil, pm, nil)
	result, err := p.Execute(ctx, &agent.CycleContext{
		ConversationID: "conv-1",
		Payload:        map[string]any{"case_id": "CASE-001"},
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", result["status"])
	assert.Equal(t, 1, result["flagged_count"])

	record, err := states.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", record["status"])
	assert.Equal(t, "screener-agent", record["current_agent"])

	results, ok := record["screening_results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "CASE-001", results["case_id"])
	assert.EqualValues(t, 3, results["total_transactions"])
	assert.EqualValues(t, 1, results["flagged_count"])

	flagged, ok := results["flagged_transactions"].([]any)
	require.True(t, ok)
	require.Len(t, flagged, 1)
	hit := flagged[0].(map[string]any)
	assert.Equal(t, "CASE-001-2", hit["transaction_id"])
	assert.EqualValues(t, 5000, hit["amount"])
	assert.Contains(t, hit["reason"], "Syria")

	// Degraded summary still names the case and the flagged count.
	summary, ok := record["summary"].(string)
	require.True(t, ok)
	assert.Contains(t, summary, "CASE-001")
	assert.Contains(t, summary, "1 of 3")
}

func TestScreenerExecuteNothingFlagged(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)

	_, err := states.CreateInitial(ctx, "CASE-002", "case.csv", "conv-2")
	require.NoError(t, err)

	txns := storage.NormalizeTransactions("CASE-002", []storage.Transaction{
		{TransactionID: "TX-1", Country: "Germany", Amount: 50000, Timestamp: time.Now().UTC()},
	})
	require.NoError(t, store.SaveTransactions(ctx, "CASE-002", txns))

	engine := rules.NewEngine(rules.DefaultConfig(), nil)
	pm, err := prompts.NewManager(nil)
	require.NoError(t, err)

	p := New("screener-agent", engine, store, states, nil, pm, nil)
	result, err := p.Execute(ctx, &agent.CycleContext{ConversationID: "conv-2"})
	require.NoError(t, err)
	assert.Equal(t, 0, result["flagged_count"])

	record, err := states.Load(ctx, "conv-2")
	require.NoError(t, err)
	results := record["screening_results"].(map[string]any)
	assert.EqualValues(t, 0, results["flagged_count"])
	assert.Empty(t, results["flagged_transactions"])
}

func TestScreenerUsesPayloadTransactions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)

	_, err := states.CreateInitial(ctx, "CASE-004", "case.csv", "conv-4")
	require.NoError(t, err)

	// Nothing stored for the case: the inbound payload is the only source.
	txns := storage.NormalizeTransactions("CASE-004", []storage.Transaction{
		{TransactionID: "TX-1", Country: "Syria", Jurisdiction: "Offshore", Amount: 9000, Timestamp: time.Now().UTC()},
	})

	engine := rules.NewEngine(rules.Config{
		SensitiveCountries:     []string{"Syria"},
		SensitiveJurisdictions: []string{"Offshore"},
		RiskThreshold:          1000,
	}, nil)
	pm, err := prompts.NewManager(nil)
	require.NoError(t, err)

	p := New("screener-agent", engine, store, states, nil, pm, nil)
	result, err := p.Execute(ctx, &agent.CycleContext{
		ConversationID: "conv-4",
		Payload: map[string]any{
			"case_id":      "CASE-004",
			"transactions": storage.TransactionMaps(txns),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", result["status"])
	assert.Equal(t, 1, result["flagged_count"])

	record, err := states.Load(ctx, "conv-4")
	require.NoError(t, err)
	results := record["screening_results"].(map[string]any)
	flagged := results["flagged_transactions"].([]any)
	require.Len(t, flagged, 1)
	assert.Equal(t, "CASE-004-1", flagged[0].(map[string]any)["transaction_id"])
}

func TestScreenerExecuteMissingTransactions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)

	_, err := states.CreateInitial(ctx, "CASE-003", "case.csv", "conv-3")
	require.NoError(t, err)

	engine := rules.NewEngine(rules.DefaultConfig(), nil)
	pm, err := prompts.NewManager(nil)
	require.NoError(t, err)

	p := New("screener-agent", engine, store, states, nil, pm, nil)
	_, err = p.Execute(ctx, &agent.CycleContext{ConversationID: "conv-3"})
	assert.ErrorContains(t, err, "CASE-003")
}
