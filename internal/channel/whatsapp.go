package channel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinicflow/agent-gateway/internal/model"
)

const whatsAppObject = "whatsapp_business_account"

type waWebhook struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Metadata         waMetadata  `json:"metadata"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type waMessage struct {
	From  string   `json:"from"`
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	Text  *waText  `json:"text,omitempty"`
	Image *waMedia `json:"image,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// WhatsAppParser parses WhatsApp Cloud API JSON webhooks.
type WhatsAppParser struct{}

// Provider returns the provider family.
func (WhatsAppParser) Provider() model.Provider { return model.ProviderWhatsAppCloud }

// Detect matches JSON bodies for a WhatsApp business account.
func (WhatsAppParser) Detect(p Payload) bool {
	if !p.isJSON() {
		return false
	}
	var probe struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(p.Body, &probe); err != nil {
		return false
	}
	return probe.Object == whatsAppObject
}

// Parse flattens every message and status in the delivery into events.
func (WhatsAppParser) Parse(p Payload) ([]Event, error) {
	var hook waWebhook
	if err := json.Unmarshal(p.Body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var events []Event
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			to := model.NormalizePhone(change.Value.Metadata.DisplayPhoneNumber)
			for _, msg := range change.Value.Messages {
				env := Envelope{
					Provider:  model.ProviderWhatsAppCloud,
					To:        to,
					From:      model.NormalizePhone(msg.From),
					MessageID: msg.ID,
				}
				if env.To == "" || env.From == "" {
					return nil, fmt.Errorf("%w: missing phone numbers", ErrMalformedPayload)
				}
				events = append(events, waEvent(env, msg))
			}
			for _, st := range change.Value.Statuses {
				events = append(events, StatusUpdate{
					Envelope: Envelope{
						Provider:  model.ProviderWhatsAppCloud,
						To:        to,
						From:      model.NormalizePhone(st.RecipientID),
						MessageID: st.ID,
					},
					Status: st.Status,
				})
			}
		}
	}
	return events, nil
}

func waEvent(env Envelope, msg waMessage) Event {
	switch msg.Type {
	case "text":
		if msg.Text != nil && strings.TrimSpace(msg.Text.Body) != "" {
			return TextMessage{Envelope: env, Body: strings.TrimSpace(msg.Text.Body)}
		}
	case "image":
		if msg.Image != nil && msg.Image.ID != "" {
			return MediaMessage{
				Envelope: env,
				Caption:  strings.TrimSpace(msg.Image.Caption),
				Media: MediaDescriptor{
					ID:       msg.Image.ID,
					Kind:     MediaImage,
					MimeType: msg.Image.MimeType,
				},
			}
		}
	}
	return UnsupportedMessage{Envelope: env, Kind: msg.Type}
}
