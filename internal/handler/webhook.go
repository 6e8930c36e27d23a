package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/channel"
	"github.com/clinicflow/agent-gateway/internal/middleware"
	"github.com/clinicflow/agent-gateway/internal/service"
	"github.com/clinicflow/agent-gateway/pkg/logger"
)

// WebhookService processes provider deliveries.
type WebhookService interface {
	HandleWebhook(ctx context.Context, payload channel.Payload) (*service.WebhookResult, error)
	VerifyToken(ctx context.Context, token string) bool
}

// WebhookHandler handles provider webhook endpoints.
type WebhookHandler struct {
	service WebhookService
	logger  *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(svc WebhookService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: svc,
		logger:  log.Named("webhook"),
	}
}

// Verify handles GET /webhooks/whatsapp, the subscription handshake.
// The challenge is echoed only when the token matches.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	v := channel.ParseVerification(r.URL.Query().Get)

	if v.Mode != "" && v.Mode != "subscribe" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if !h.service.VerifyToken(r.Context(), v.Token) {
		h.logger.Warn("webhook verification rejected",
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, v.Challenge)
}

// Receive handles POST /webhooks/whatsapp and /webhooks/twilio.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger.With(zap.String("correlation_id", middleware.GetCorrelationID(ctx)))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	result, err := h.service.HandleWebhook(ctx, channel.Payload{
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	switch {
	case errors.Is(err, channel.ErrMalformedPayload), errors.Is(err, channel.ErrUnknownProvider):
		log.Info("rejected webhook payload", zap.Error(err))
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	case err != nil:
		log.Error("webhook processing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
