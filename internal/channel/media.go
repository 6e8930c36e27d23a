package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/clinicflow/agent-gateway/internal/model"
)

// ErrMediaTooLarge is returned when an attachment exceeds the configured limit.
var ErrMediaTooLarge = errors.New("media too large")

// EncodedMedia is a fetched attachment ready for inline model input.
type EncodedMedia struct {
	MimeType string
	Data     string // base64, standard encoding
}

// MediaFetcher downloads inbound attachments with provider-specific auth.
type MediaFetcher struct {
	httpClient *http.Client
	settings   Settings
}

// NewMediaFetcher creates a fetcher. A nil client gets a 30s timeout client.
func NewMediaFetcher(httpClient *http.Client, settings Settings) *MediaFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if settings.MediaMaxBytes <= 0 {
		settings.MediaMaxBytes = 10 << 20
	}
	return &MediaFetcher{httpClient: httpClient, settings: settings}
}

// Fetch resolves and downloads the attachment described by desc.
func (f *MediaFetcher) Fetch(ctx context.Context, conn *model.ChannelConnection, desc MediaDescriptor) (*EncodedMedia, error) {
	creds := f.settings.credentials(conn)

	var (
		data     []byte
		mimeType = desc.MimeType
		err      error
	)
	switch conn.Provider {
	case model.ProviderTwilio:
		if desc.URL == "" {
			return nil, errors.New("twilio media url missing")
		}
		data, mimeType, err = f.get(ctx, desc.URL, func(r *http.Request) {
			r.SetBasicAuth(creds.AccountSID, creds.AuthToken)
		})
	case model.ProviderWhatsAppCloud:
		data, mimeType, err = f.fetchGraphMedia(ctx, creds.AccessToken, desc)
	default:
		return nil, fmt.Errorf("unsupported provider %q", conn.Provider)
	}
	if err != nil {
		return nil, err
	}

	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}
	return &EncodedMedia{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// fetchGraphMedia resolves a media id to its short-lived URL, then downloads it.
func (f *MediaFetcher) fetchGraphMedia(ctx context.Context, token string, desc MediaDescriptor) ([]byte, string, error) {
	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }

	mediaURL := desc.URL
	mimeType := desc.MimeType
	if mediaURL == "" {
		if desc.ID == "" {
			return nil, "", errors.New("whatsapp media id missing")
		}
		raw, _, err := f.get(ctx, f.settings.graphEndpoint(desc.ID), bearer)
		if err != nil {
			return nil, "", fmt.Errorf("resolve media %s: %w", desc.ID, err)
		}
		var meta struct {
			URL      string `json:"url"`
			MimeType string `json:"mime_type"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil || meta.URL == "" {
			return nil, "", fmt.Errorf("resolve media %s: no url in response", desc.ID)
		}
		mediaURL = meta.URL
		if meta.MimeType != "" {
			mimeType = meta.MimeType
		}
	}

	data, contentType, err := f.get(ctx, mediaURL, bearer)
	if err != nil {
		return nil, "", err
	}
	if mimeType == "" {
		mimeType = contentType
	}
	return data, mimeType, nil
}

func (f *MediaFetcher) get(ctx context.Context, url string, auth func(*http.Request)) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	auth(req)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	data, err := readAllWithLimit(resp.Body, f.settings.MediaMaxBytes)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// readAllWithLimit reads from reader and rejects payloads larger than maxBytes.
func readAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrMediaTooLarge, maxBytes)
	}
	return data, nil
}
