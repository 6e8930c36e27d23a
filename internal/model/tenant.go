// Package model defines the data structures of the messaging agent.
package model

import (
	"strings"
	"time"
)

// Provider identifies the external messaging platform bound to a channel connection.
type Provider string

const (
	// ProviderTwilio posts form-encoded messages with HTTP Basic auth.
	ProviderTwilio Provider = "twilio"
	// ProviderWhatsAppCloud posts JSON messages to the Graph API with a bearer token.
	ProviderWhatsAppCloud Provider = "whatsapp_cloud"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderTwilio || p == ProviderWhatsAppCloud
}

// Credentials holds the provider secrets of one channel connection.
// Only the fields relevant to the connection's provider are populated.
type Credentials struct {
	AccountSID    string `json:"account_sid,omitempty"`
	AuthToken     string `json:"auth_token,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
	VerifyToken   string `json:"verify_token,omitempty"`
}

// ChannelConnection binds a tenant to one provider through a receiving phone number.
type ChannelConnection struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Provider    Provider    `json:"provider"`
	PhoneNumber string      `json:"phone_number"` // digits only, globally unique
	Credentials Credentials `json:"credentials"`
	CreatedAt   time.Time   `json:"created_at"`
}

// AgentConfig is the per-tenant assistant configuration.
type AgentConfig struct {
	TenantID             string   `json:"tenant_id"`
	IsActive             bool     `json:"is_active"`
	SystemPrompt         string   `json:"system_prompt"`
	Model                string   `json:"model"`
	EnabledTools         []string `json:"enabled_tools"`
	KnowledgeBaseEnabled bool     `json:"knowledge_base_enabled"`
}

// ToolEnabled reports whether the named tool is switched on for the tenant.
func (c AgentConfig) ToolEnabled(name string) bool {
	for _, t := range c.EnabledTools {
		if strings.EqualFold(strings.TrimSpace(t), name) {
			return true
		}
	}
	return false
}

// NormalizePhone strips every non-digit character.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
