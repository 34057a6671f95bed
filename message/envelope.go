// Package message defines the envelope and wrapper types that every worker
// exchanges over the shared bus, together with their JSON wire encoding.
package message

import (
	"fmt"
	"strings"
)

// Role identifies the author of an envelope.
type Role string

const (
	// RoleUser marks messages originating outside the worker pipeline.
	RoleUser Role = "user"

	// RoleAgent marks messages produced by a worker.
	RoleAgent Role = "agent"
)

// IsValid checks whether the role is one of the known values.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAgent
}

// ParseRole converts a string to a Role. Anything that is not "user"
// (case-insensitive) resolves to RoleAgent, mirroring the lenient decoding
// applied to inbound wire data.
func ParseRole(s string) Role {
	if strings.EqualFold(s, string(RoleUser)) {
		return RoleUser
	}
	return RoleAgent
}

// Part is one ordered text segment of an envelope.
type Part struct {
	Text string `json:"text"`
}

// Envelope is the immutable identity and content unit of one message:
// id, role, ordered text parts, and the correlation ids that tie it to a
// conversation and a task. Construct with NewEnvelope and treat as a value.
type Envelope struct {
	MessageID string `json:"message_id"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
	ContextID string `json:"context_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// NewEnvelope creates an envelope with a single text part.
func NewEnvelope(messageID string, role Role, text, contextID, taskID string) Envelope {
	return Envelope{
		MessageID: messageID,
		Role:      role,
		Parts:     []Part{{Text: text}},
		ContextID: contextID,
		TaskID:    taskID,
	}
}

// Text returns the concatenated text of all parts.
func (e Envelope) Text() string {
	switch len(e.Parts) {
	case 0:
		return ""
	case 1:
		return e.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range e.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Validate checks the envelope's required fields.
func (e Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope missing message_id")
	}
	if !e.Role.IsValid() {
		return fmt.Errorf("envelope has invalid role %q", e.Role)
	}
	return nil
}
