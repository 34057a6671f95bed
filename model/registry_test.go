package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	tests := []struct {
		input    string
		expected Capability
	}{
		{"perception", CapabilityPerception},
		{"planning", CapabilityPlanning},
		{"learning", CapabilityLearning},
		{"summary", CapabilitySummary},
		{"fast", CapabilityFast},
		{"coding", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseCapability(tt.input), tt.input)
	}
}

func TestResolveAndFallbackChain(t *testing.T) {
	r := NewDefaultRegistry()

	assert.Equal(t, "claude-sonnet", r.Resolve(CapabilitySummary))

	chain := r.GetFallbackChain(CapabilitySummary)
	assert.Equal(t, []string{"claude-sonnet", "claude-haiku", "qwen"}, chain)

	// Unknown capability falls back to the default model.
	assert.Equal(t, []string{"qwen"}, r.GetFallbackChain(Capability("unknown")))
}

func TestCircuitBreaker(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	assert.True(t, r.IsEndpointAvailable("claude-sonnet"))

	r.MarkEndpointFailure("claude-sonnet")
	assert.True(t, r.IsEndpointAvailable("claude-sonnet"), "below threshold")

	r.MarkEndpointFailure("claude-sonnet")
	assert.False(t, r.IsEndpointAvailable("claude-sonnet"), "circuit open")

	health := r.GetEndpointHealth("claude-sonnet")
	require.NotNil(t, health)
	assert.True(t, health.CircuitOpen)
	assert.Equal(t, 2, health.FailureCount)

	// Success resets the circuit.
	r.MarkEndpointSuccess("claude-sonnet")
	assert.True(t, r.IsEndpointAvailable("claude-sonnet"))
	assert.Equal(t, 0, r.GetEndpointHealth("claude-sonnet").FailureCount)
}

func TestAvailableFallbackChainSkipsOpenCircuits(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	r.MarkEndpointFailure("claude-sonnet")

	chain := r.GetAvailableFallbackChain(CapabilitySummary)
	assert.Equal(t, []string{"claude-haiku", "qwen"}, chain)

	// All endpoints down: full chain returned anyway.
	r.MarkEndpointFailure("claude-haiku")
	r.MarkEndpointFailure("qwen")
	chain = r.GetAvailableFallbackChain(CapabilitySummary)
	assert.Equal(t, []string{"claude-sonnet", "claude-haiku", "qwen"}, chain)
}

func TestLoadFromYAML(t *testing.T) {
	data := []byte(`
model_registry:
  capabilities:
    summary:
      description: case summaries
      preferred: [local]
      fallback: []
  endpoints:
    local:
      provider: ollama
      url: http://localhost:11434/v1
      model: qwen2.5:14b
  defaults:
    model: local
`)
	r, err := LoadFromYAML(data)
	require.NoError(t, err)

	assert.Equal(t, "local", r.Resolve(CapabilitySummary))
	ep := r.GetEndpoint("local")
	require.NotNil(t, ep)
	assert.Equal(t, "ollama", ep.Provider)
	assert.Equal(t, "qwen2.5:14b", ep.Model)
}
