// Package model provides capability-based model selection for the review
// workers. Instead of hardcoding model names, callers specify capabilities
// (perception, planning, summary) and the registry resolves them to available
// models with fallback chains.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityPerception is for interpreting an incoming task in context.
	CapabilityPerception Capability = "perception"

	// CapabilityPlanning is for producing an execution plan for a task.
	CapabilityPlanning Capability = "planning"

	// CapabilityLearning is for reflecting on plan vs outcome after a task.
	CapabilityLearning Capability = "learning"

	// CapabilitySummary is for case-level screening summaries.
	CapabilitySummary Capability = "summary"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityPerception, CapabilityPlanning, CapabilityLearning, CapabilitySummary, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for
// invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
