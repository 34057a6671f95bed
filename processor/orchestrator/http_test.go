package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

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

func newTestServer(t *testing.T) (*Server, *bus.MemoryBus, *state.Manager, *httptest.Server) {
	t.Helper()
	store := newTestStore(t)
	states := state.NewManager(store, "orchestrator-agent", nil)
	b := bus.NewMemoryBus(nil)

	srv := NewServer("orchestrator-agent", "extractor-agent", b, store, states, nil)
	mux := http.NewServeMux()
	srv.RegisterHTTPHandlers("api/reviews", mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, b, states, ts
}

func TestSubmitReview(t *testing.T) {
	_, b, states, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/reviews", "application/json",
		strings.NewReader(`{"case_id": "CASE-001", "file_path": "/data/case.csv"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitted SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	assert.Equal(t, "CASE-001", submitted.CaseID)
	assert.Equal(t, "submitted", submitted.Status)
	require.NotEmpty(t, submitted.ConversationID)

	// Workflow state exists, keyed by the conversation id.
	record, err := states.Load(context.Background(), submitted.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "initialized", record["status"])
	assert.Equal(t, "/data/case.csv", record["file_path"])

	// The case went out to the extractor.
	require.Equal(t, 1, b.Pending())
	var dispatched *message.Wrapper
	require.NoError(t, b.Receive(context.Background(), "extractor-agent",
		func(_ context.Context, w *message.Wrapper) error {
			dispatched = w
			return nil
		}, 0))
	require.NotNil(t, dispatched)
	assert.Equal(t, "orchestrator-agent", dispatched.FromAgent)
	assert.Equal(t, "extract_transactions", dispatched.Payload["action"])
	assert.Equal(t, submitted.ConversationID, dispatched.ConversationID)
}

func TestSubmitReviewValidation(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing case_id", `{"file_path": "/data/case.csv"}`},
		{"missing file_path", `{"case_id": "CASE-001"}`},
		{"not json", `not json`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/reviews", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSubmitReviewMethodNotAllowed(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/reviews")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReviewStatusByConversationAndCase(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/reviews", "application/json",
		strings.NewReader(`{"case_id": "CASE-001", "file_path": "/data/case.csv"}`))
	require.NoError(t, err)
	var submitted SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()

	for _, id := range []string{submitted.ConversationID, "CASE-001"} {
		resp, err := http.Get(ts.URL + "/api/reviews/" + id)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var record map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
		resp.Body.Close()
		assert.Equal(t, "CASE-001", record["case_id"])
		assert.Equal(t, "initialized", record["status"])
	}
}

func TestReviewStatusNotFound(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/reviews/CASE-404")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
