package model

import (
	"strings"
	"time"
)

// QueueEntry is a batch of not-yet-answered message bodies for one contact.
type QueueEntry struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	ChannelID string     `json:"channel_connection_id,omitempty"`
	ContactID string     `json:"contact_id"`
	Messages  []string   `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// JoinedText returns the bodies in arrival order separated by newlines.
func (e QueueEntry) JoinedText() string {
	return strings.Join(e.Messages, "\n")
}
