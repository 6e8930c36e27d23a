package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/agent-gateway/internal/channel"
	"github.com/clinicflow/agent-gateway/internal/service"
	"github.com/clinicflow/agent-gateway/pkg/logger"
)

type fakeWebhookService struct {
	token    string
	result   *service.WebhookResult
	err      error
	payloads []channel.Payload
}

func (f *fakeWebhookService) HandleWebhook(_ context.Context, p channel.Payload) (*service.WebhookResult, error) {
	f.payloads = append(f.payloads, p)
	return f.result, f.err
}

func (f *fakeWebhookService) VerifyToken(_ context.Context, token string) bool {
	return token != "" && token == f.token
}

func TestVerify(t *testing.T) {
	h := NewWebhookHandler(&fakeWebhookService{token: "secret"}, logger.NewNop())

	tests := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"hub params", "hub.mode=subscribe&hub.verify_token=secret&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"bare params", "verify_token=secret&challenge=42", http.StatusOK, "42"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=secret&hub.challenge=1", http.StatusForbidden, ""},
		{"no token", "hub.challenge=1", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Verify(rec, httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?"+tt.query, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}

func TestReceive(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"processed", nil, http.StatusOK},
		{"malformed", channel.ErrMalformedPayload, http.StatusBadRequest},
		{"unknown provider", channel.ErrUnknownProvider, http.StatusBadRequest},
		{"misconfigured", service.ErrMisconfigured, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeWebhookService{result: &service.WebhookResult{Status: service.StatusReplied, Events: 1}, err: tt.err}
			h := NewWebhookHandler(svc, logger.NewNop())

			req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader("AccountSid=AC1&Body=Hola"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			h.Receive(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			require.Len(t, svc.payloads, 1)
			assert.Equal(t, "application/x-www-form-urlencoded", svc.payloads[0].ContentType)
			assert.Equal(t, "AccountSid=AC1&Body=Hola", string(svc.payloads[0].Body))
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "misconfigured")
			}
		})
	}
}

func TestReceiveReportsStatus(t *testing.T) {
	svc := &fakeWebhookService{result: &service.WebhookResult{Status: service.StatusInactive, Events: 1}}
	h := NewWebhookHandler(svc, logger.NewNop())

	rec := httptest.NewRecorder()
	h.Receive(rec, httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var body service.WebhookResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, service.StatusInactive, body.Status)
}

type fakeRunner struct {
	err error
	ids []string
}

func (f *fakeRunner) Process(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return f.err
}

func serveQueue(runner QueueRunner, id string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post("/internal/queue/{id}/process", NewQueueHandler(runner, logger.NewNop()).Process)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/queue/"+id+"/process", nil))
	return rec
}

func TestQueueProcess(t *testing.T) {
	id := uuid.NewString()

	runner := &fakeRunner{}
	rec := serveQueue(runner, id)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{id}, runner.ids)

	rec = serveQueue(&fakeRunner{err: service.ErrQueueEntryClaimed}, id)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serveQueue(&fakeRunner{err: errors.New("completion: boom")}, id)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")

	runner = &fakeRunner{}
	rec = serveQueue(runner, "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, runner.ids)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReady(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("refused") })

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"postgres": ok, "nats": ok}).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"postgres": ok, "nats": down}).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "nats unavailable")

	rec = httptest.NewRecorder()
	NewHealthHandler(nil).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
