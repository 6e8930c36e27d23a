package channel

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/clinicflow/agent-gateway/internal/model"
)

const twilioWhatsAppPrefix = "whatsapp:"

// TwilioParser parses Twilio form-encoded webhooks.
type TwilioParser struct{}

// Provider returns the provider family.
func (TwilioParser) Provider() model.Provider { return model.ProviderTwilio }

// Detect matches form bodies carrying a Twilio account or message sid.
func (TwilioParser) Detect(p Payload) bool {
	if !p.isForm() {
		return false
	}
	form, err := url.ParseQuery(string(p.Body))
	if err != nil {
		return false
	}
	return form.Get("AccountSid") != "" || form.Get("MessageSid") != ""
}

// Parse extracts one event from the form.
func (TwilioParser) Parse(p Payload) ([]Event, error) {
	form, err := url.ParseQuery(string(p.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	env := Envelope{
		Provider:  model.ProviderTwilio,
		To:        model.NormalizePhone(strings.TrimPrefix(form.Get("To"), twilioWhatsAppPrefix)),
		From:      model.NormalizePhone(strings.TrimPrefix(form.Get("From"), twilioWhatsAppPrefix)),
		MessageID: form.Get("MessageSid"),
	}
	if env.To == "" || env.From == "" {
		return nil, fmt.Errorf("%w: missing To or From", ErrMalformedPayload)
	}

	if status := form.Get("MessageStatus"); status != "" && form.Get("Body") == "" && form.Get("NumMedia") == "" {
		return []Event{StatusUpdate{Envelope: env, Status: status}}, nil
	}

	body := strings.TrimSpace(form.Get("Body"))
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	if numMedia > 0 {
		contentType := form.Get("MediaContentType0")
		if strings.HasPrefix(contentType, "image/") {
			return []Event{MediaMessage{
				Envelope: env,
				Caption:  body,
				Media: MediaDescriptor{
					URL:      form.Get("MediaUrl0"),
					Kind:     MediaImage,
					MimeType: contentType,
				},
			}}, nil
		}
		if body == "" {
			return []Event{UnsupportedMessage{Envelope: env, Kind: contentType}}, nil
		}
	}

	if body == "" {
		return []Event{UnsupportedMessage{Envelope: env, Kind: "empty"}}, nil
	}
	return []Event{TextMessage{Envelope: env, Body: body}}, nil
}
