package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clinicflow/agent-gateway/internal/model"
	"github.com/clinicflow/agent-gateway/pkg/metrics"
)

// Settings holds process-wide provider endpoints and fallback credentials.
// Per-connection credentials take precedence.
type Settings struct {
	TwilioAPIBaseURL string
	TwilioAccountSID string
	TwilioAuthToken  string

	GraphURL      string
	APIVersion    string
	WhatsAppToken string

	MediaMaxBytes int64
}

func (s Settings) credentials(conn *model.ChannelConnection) model.Credentials {
	creds := conn.Credentials
	if creds.AccountSID == "" {
		creds.AccountSID = s.TwilioAccountSID
	}
	if creds.AuthToken == "" {
		creds.AuthToken = s.TwilioAuthToken
	}
	if creds.AccessToken == "" {
		creds.AccessToken = s.WhatsAppToken
	}
	return creds
}

func (s Settings) graphEndpoint(parts ...string) string {
	return strings.TrimRight(s.GraphURL, "/") + "/" + s.APIVersion + "/" + strings.Join(parts, "/")
}

// ProviderError is a non-success response from a provider API.
type ProviderError struct {
	Provider   model.Provider
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Dispatcher sends replies through the provider of a channel connection.
type Dispatcher struct {
	httpClient *http.Client
	settings   Settings
}

// NewDispatcher creates a dispatcher. A nil client gets a 30s timeout client.
func NewDispatcher(httpClient *http.Client, settings Settings) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{httpClient: httpClient, settings: settings}
}

// Send delivers body to the recipient phone number (digits only).
func (d *Dispatcher) Send(ctx context.Context, conn *model.ChannelConnection, to, body string) error {
	var err error
	switch conn.Provider {
	case model.ProviderTwilio:
		err = d.sendTwilio(ctx, conn, to, body)
	case model.ProviderWhatsAppCloud:
		err = d.sendWhatsApp(ctx, conn, to, body)
	default:
		err = fmt.Errorf("unsupported provider %q", conn.Provider)
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DispatchTotal.WithLabelValues(string(conn.Provider), status).Inc()
	return err
}

func (d *Dispatcher) sendTwilio(ctx context.Context, conn *model.ChannelConnection, to, body string) error {
	creds := d.settings.credentials(conn)
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return fmt.Errorf("twilio credentials missing for connection %s", conn.ID)
	}

	form := url.Values{}
	form.Set("To", twilioWhatsAppPrefix+"+"+to)
	form.Set("From", twilioWhatsAppPrefix+"+"+conn.PhoneNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(d.settings.TwilioAPIBaseURL, "/"), url.PathEscape(creds.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)

	return d.do(req, model.ProviderTwilio)
}

func (d *Dispatcher) sendWhatsApp(ctx context.Context, conn *model.ChannelConnection, to, body string) error {
	creds := d.settings.credentials(conn)
	if creds.AccessToken == "" || creds.PhoneNumberID == "" {
		return fmt.Errorf("whatsapp credentials missing for connection %s", conn.ID)
	}

	payload, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text": map[string]string{
			"body": body,
		},
	})
	if err != nil {
		return fmt.Errorf("encode whatsapp message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.settings.graphEndpoint(creds.PhoneNumberID, "messages"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	return d.do(req, model.ProviderWhatsAppCloud)
}

func (d *Dispatcher) do(req *http.Request, provider model.Provider) error {
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: providerMessage(raw)}
}

// providerMessage extracts the human-readable message of a Twilio
// ({"message": ...}) or Graph API ({"error": {"message": ...}}) error body.
func providerMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error.Message != "" {
			return body.Error.Message
		}
		if body.Message != "" {
			return body.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "no error message"
	}
	return truncateRunes(msg, maxProviderMessage)
}

const maxProviderMessage = 200

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
