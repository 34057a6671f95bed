package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Transport header keys mirrored out-of-band so receivers can filter without
// deserializing the full body.
const (
	HeaderFromAgent      = "from_agent"
	HeaderToAgent        = "to_agent"
	HeaderAgentID        = "agent_id"
	HeaderConversationID = "conversation_id"
	HeaderCorrelationID  = "correlation_id"
)

// Metadata carries sender identity and timing for a wrapper.
type Metadata struct {
	AgentID   string    `json:"agent_id"`
	AgentType string    `json:"agent_type"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Wrapper is one routable unit of work: an envelope plus from/to addressing,
// a free-form payload, and sender metadata. ConversationID and CorrelationID
// are derived from the envelope's context and task ids at construction.
type Wrapper struct {
	Envelope       Envelope       `json:"message"`
	FromAgent      string         `json:"from_agent"`
	ToAgent        string         `json:"to_agent"`
	Payload        map[string]any `json:"payload"`
	Metadata       Metadata       `json:"metadata"`
	ConversationID string         `json:"conversation_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
}

// NewWrapper builds a wrapper around an envelope. The sender's metadata is
// stamped with the current time; agent_type is the id prefix before the first
// dash (e.g. "extractor" for "extractor-agent").
func NewWrapper(env Envelope, fromAgent, toAgent string, payload map[string]any) *Wrapper {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Wrapper{
		Envelope:  env,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Payload:   payload,
		Metadata: Metadata{
			AgentID:   fromAgent,
			AgentType: agentType(fromAgent),
			TaskID:    env.TaskID,
			Timestamp: time.Now().UTC(),
		},
		ConversationID: env.ContextID,
		CorrelationID:  env.TaskID,
	}
}

// agentType derives the type component of an agent id.
func agentType(agentID string) string {
	if i := strings.Index(agentID, "-"); i > 0 {
		return agentID[:i]
	}
	return agentID
}

// Encode serializes the wrapper to its JSON wire format.
func (w *Wrapper) Encode() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode wrapper: %w", err)
	}
	return data, nil
}

// Decode parses a wrapper from its JSON wire format.
func Decode(data []byte) (*Wrapper, error) {
	var w Wrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode wrapper: %w", err)
	}
	if w.Payload == nil {
		w.Payload = map[string]any{}
	}
	return &w, nil
}

// Headers returns the transport properties mirrored alongside the body.
func (w *Wrapper) Headers() map[string]string {
	return map[string]string{
		HeaderFromAgent:      w.FromAgent,
		HeaderToAgent:        w.ToAgent,
		HeaderAgentID:        w.Metadata.AgentID,
		HeaderConversationID: w.ConversationID,
		HeaderCorrelationID:  w.CorrelationID,
	}
}

// Validate checks the wrapper's routing fields.
func (w *Wrapper) Validate() error {
	if err := w.Envelope.Validate(); err != nil {
		return err
	}
	if w.ToAgent == "" {
		return fmt.Errorf("wrapper missing to_agent")
	}
	return nil
}

// CaseID extracts the case id from the payload, falling back to the wrapper's
// conversation id when the payload does not carry one.
func (w *Wrapper) CaseID() string {
	if v, ok := w.Payload["case_id"].(string); ok && v != "" {
		return v
	}
	return w.ConversationID
}
