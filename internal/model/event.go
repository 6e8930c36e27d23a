package model

import (
	"time"
)

// EventType represents the kind of agent processing event.
type EventType string

const (
	EventTypeCompletionFailed  EventType = "completion_failed"
	EventTypeDispatchFailed    EventType = "dispatch_failed"
	EventTypeToolLoopExhausted EventType = "tool_loop_exhausted"
	EventTypeGateClosed        EventType = "gate_closed"
)

// AgentEvent records a noteworthy outcome of one processing attempt.
type AgentEvent struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ContactID string         `json:"contact_id"`
	Type      EventType      `json:"type"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
