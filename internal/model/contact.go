package model

import (
	"time"
)

// Contact is a per-tenant conversational identity tied to a sender phone number.
type Contact struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	PhoneNumber string    `json:"phone_number"`
	PersonID    *string   `json:"person_id,omitempty"`
	AIEnabled   bool      `json:"ai_enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// Person is a registered patient owned by the clinic records side.
type Person struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	FullName            string     `json:"full_name"`
	PhoneNumber         string     `json:"phone_number"`
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
}

// SubscriptionActive reports whether the subscription covers the calendar day of now.
// A missing end date counts as lapsed.
func (p *Person) SubscriptionActive(now time.Time) bool {
	if p.SubscriptionEndDate == nil {
		return false
	}
	end := p.SubscriptionEndDate.UTC()
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	n := now.UTC()
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	return !endDay.Before(today)
}
