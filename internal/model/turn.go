package model

import (
	"time"
)

// Direction tells who authored a conversation turn.
type Direction string

const (
	DirectionUser  Direction = "user"
	DirectionAgent Direction = "agent"
)

// Turn is one immutable message in a contact's conversation history.
type Turn struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ContactID string    `json:"contact_id"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`

	// Sequence is populated when the turn is mirrored to the event stream.
	Sequence uint64 `json:"sequence,omitempty"`
}
