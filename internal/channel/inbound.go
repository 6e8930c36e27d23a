// Package channel normalizes inbound provider webhooks, fetches inbound
// media and sends replies through the tenant's bound provider.
package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clinicflow/agent-gateway/internal/model"
)

var (
	// ErrMalformedPayload is returned when a payload is recognized but cannot be parsed.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownProvider is returned when no parser recognizes a payload.
	ErrUnknownProvider = errors.New("unknown provider payload")
)

// Envelope carries the addressing shared by every inbound variant.
// Phone numbers are digits only.
type Envelope struct {
	Provider  model.Provider
	To        string
	From      string
	MessageID string
}

// Event is one canonical inbound item. The concrete type is one of
// TextMessage, MediaMessage, UnsupportedMessage or StatusUpdate.
type Event interface {
	Meta() Envelope
	sealed()
}

// TextMessage is a plain text message.
type TextMessage struct {
	Envelope
	Body string
}

// MediaKind is the declared kind of an attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
)

// MediaDescriptor locates an attachment. Either ID (resolved through the
// provider API) or URL (fetched directly) is set.
type MediaDescriptor struct {
	ID       string
	URL      string
	Kind     MediaKind
	MimeType string
}

// MediaMessage is an image with an optional caption.
type MediaMessage struct {
	Envelope
	Caption string
	Media   MediaDescriptor
}

// UnsupportedMessage is acknowledged and dropped.
type UnsupportedMessage struct {
	Envelope
	Kind string
}

// StatusUpdate is a delivery or read receipt for an outbound message.
type StatusUpdate struct {
	Envelope
	Status string
}

func (e Envelope) Meta() Envelope { return e }

func (TextMessage) sealed()        {}
func (MediaMessage) sealed()       {}
func (UnsupportedMessage) sealed() {}
func (StatusUpdate) sealed()       {}

// Payload is a raw webhook delivery body.
type Payload struct {
	ContentType string
	Body        []byte
}

func (p Payload) isForm() bool {
	return strings.HasPrefix(strings.ToLower(p.ContentType), "application/x-www-form-urlencoded")
}

func (p Payload) isJSON() bool {
	ct := strings.ToLower(p.ContentType)
	return ct == "" || strings.HasPrefix(ct, "application/json")
}

// Parser turns one provider family's payload into canonical events.
type Parser interface {
	Provider() model.Provider
	// Detect reports whether the payload belongs to this provider family.
	Detect(p Payload) bool
	Parse(p Payload) ([]Event, error)
}

// Normalizer picks the parser matching a payload.
type Normalizer struct {
	parsers []Parser
}

// NewNormalizer creates a normalizer over the given parsers, tried in order.
func NewNormalizer(parsers ...Parser) *Normalizer {
	return &Normalizer{parsers: parsers}
}

// Normalize detects the provider family of p and parses it.
func (n *Normalizer) Normalize(p Payload) ([]Event, error) {
	for _, parser := range n.parsers {
		if !parser.Detect(p) {
			continue
		}
		events, err := parser.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", parser.Provider(), err)
		}
		return events, nil
	}
	return nil, ErrUnknownProvider
}

// Verification is the provider handshake performed on webhook registration.
type Verification struct {
	Mode      string
	Token     string
	Challenge string
}

// ParseVerification reads the handshake parameters, accepting both the
// hub.-prefixed and bare names.
func ParseVerification(get func(string) string) Verification {
	pick := func(names ...string) string {
		for _, n := range names {
			if v := get(n); v != "" {
				return v
			}
		}
		return ""
	}
	return Verification{
		Mode:      pick("hub.mode", "mode"),
		Token:     pick("hub.verify_token", "verify_token"),
		Challenge: pick("hub.challenge", "challenge"),
	}
}
