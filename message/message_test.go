package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeText(t *testing.T) {
	tests := []struct {
		name     string
		parts    []Part
		expected string
	}{
		{"empty", nil, ""},
		{"single", []Part{{Text: "hello"}}, "hello"},
		{"multiple", []Part{{Text: "a"}, {Text: "b"}, {Text: "c"}}, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{Parts: tt.parts}
			assert.Equal(t, tt.expected, env.Text())
		})
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleUser, ParseRole("user"))
	assert.Equal(t, RoleUser, ParseRole("USER"))
	assert.Equal(t, RoleAgent, ParseRole("agent"))
	assert.Equal(t, RoleAgent, ParseRole("anything-else"))
	assert.Equal(t, RoleAgent, ParseRole(""))
}

func TestWrapperRoundTrip(t *testing.T) {
	env := NewEnvelope("msg-1", RoleAgent, "extract transactions for CASE-001", "conv-1", "task-1")
	w := NewWrapper(env, "orchestrator-agent", "extractor-agent", map[string]any{
		"case_id":   "CASE-001",
		"file_path": "/data/cases/CASE-001.csv",
		"action":    "extract_transactions",
	})

	data, err := w.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, w.Envelope, decoded.Envelope)
	assert.Equal(t, w.FromAgent, decoded.FromAgent)
	assert.Equal(t, w.ToAgent, decoded.ToAgent)
	assert.Equal(t, w.Payload, decoded.Payload)
	assert.Equal(t, w.ConversationID, decoded.ConversationID)
	assert.Equal(t, w.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, w.Metadata.AgentID, decoded.Metadata.AgentID)
	assert.Equal(t, w.Metadata.AgentType, decoded.Metadata.AgentType)
	assert.Equal(t, w.Metadata.TaskID, decoded.Metadata.TaskID)
	assert.True(t, w.Metadata.Timestamp.Equal(decoded.Metadata.Timestamp))
}

func TestWrapperWireFormat(t *testing.T) {
	env := NewEnvelope("msg-1", RoleUser, "hello", "conv-1", "task-1")
	w := NewWrapper(env, "orchestrator-agent", "extractor-agent", nil)

	data, err := w.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	// Top-level keys match the wire contract.
	for _, key := range []string{"message", "from_agent", "to_agent", "payload", "metadata", "conversation_id", "correlation_id"} {
		assert.Contains(t, raw, key, "missing wire field %s", key)
	}

	msg, ok := raw["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "msg-1", msg["message_id"])
	assert.Equal(t, "user", msg["role"])

	meta, ok := raw["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "orchestrator-agent", meta["agent_id"])
	assert.Equal(t, "orchestrator", meta["agent_type"])
	assert.Equal(t, "task-1", meta["task_id"])

	// Timestamp is ISO-8601.
	ts, ok := meta["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestWrapperHeaders(t *testing.T) {
	env := NewEnvelope("msg-1", RoleAgent, "x", "conv-9", "task-9")
	w := NewWrapper(env, "evaluator-agent", "screener-agent", map[string]any{"case_id": "CASE-9"})

	h := w.Headers()
	assert.Equal(t, "evaluator-agent", h[HeaderFromAgent])
	assert.Equal(t, "screener-agent", h[HeaderToAgent])
	assert.Equal(t, "evaluator-agent", h[HeaderAgentID])
	assert.Equal(t, "conv-9", h[HeaderConversationID])
	assert.Equal(t, "task-9", h[HeaderCorrelationID])
}

func TestWrapperCaseID(t *testing.T) {
	env := NewEnvelope("m", RoleAgent, "x", "conv-1", "t")

	withCase := NewWrapper(env, "a", "b", map[string]any{"case_id": "CASE-7"})
	assert.Equal(t, "CASE-7", withCase.CaseID())

	withoutCase := NewWrapper(env, "a", "b", nil)
	assert.Equal(t, "conv-1", withoutCase.CaseID())
}

func TestWrapperValidate(t *testing.T) {
	valid := NewWrapper(NewEnvelope("m", RoleAgent, "x", "", ""), "a", "b", nil)
	assert.NoError(t, valid.Validate())

	noTarget := NewWrapper(NewEnvelope("m", RoleAgent, "x", "", ""), "a", "", nil)
	assert.Error(t, noTarget.Validate())

	noID := NewWrapper(Envelope{Role: RoleAgent}, "a", "b", nil)
	assert.Error(t, noID.Validate())
}
