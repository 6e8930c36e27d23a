package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/channel"
	"github.com/clinicflow/agent-gateway/pkg/logger"
	"github.com/clinicflow/agent-gateway/pkg/metrics"
)

// WebhookResult summarizes how a webhook delivery was handled.
type WebhookResult struct {
	Status string `json:"status"`
	Events int    `json:"events"`
}

// InboundService handles normalized webhook deliveries.
type InboundService struct {
	normalizer *channel.Normalizer
	resolver   *Resolver
	pipeline   *Pipeline
	turns      TurnStore
	debounce   bool
	timeout    time.Duration
	log        *logger.Logger
}

// InboundConfig tunes inbound handling.
type InboundConfig struct {
	// Debounce queues gated-in text messages instead of answering inline.
	Debounce bool
	// Timeout bounds the processing of one event.
	Timeout time.Duration
}

// NewInboundService creates the inbound service.
func NewInboundService(normalizer *channel.Normalizer, resolver *Resolver, pipeline *Pipeline, turns TurnStore, cfg InboundConfig, log *logger.Logger) *InboundService {
	return &InboundService{
		normalizer: normalizer,
		resolver:   resolver,
		pipeline:   pipeline,
		turns:      turns,
		debounce:   cfg.Debounce,
		timeout:    cfg.Timeout,
		log:        log.Named("inbound"),
	}
}

// VerifyToken validates a webhook handshake token.
func (s *InboundService) VerifyToken(ctx context.Context, token string) bool {
	return s.resolver.VerifyToken(ctx, token)
}

// HandleWebhook normalizes a delivery and processes every event in it.
// Parse errors are returned as channel.ErrMalformedPayload or
// channel.ErrUnknownProvider. ErrMisconfigured is returned before any event
// is processed. Every other failure is logged and acknowledged so the
// provider does not retry.
func (s *InboundService) HandleWebhook(ctx context.Context, payload channel.Payload) (*WebhookResult, error) {
	events, err := s.normalizer.Normalize(payload)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return nil, err
	}

	// misconfiguration fails the whole delivery before any event is answered
	if err := s.checkChannels(ctx, events); err != nil {
		return nil, err
	}

	result := &WebhookResult{Status: StatusStatus, Events: len(events)}
	primary := false
	for _, event := range events {
		status := s.handleEvent(ctx, event)
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Meta().Provider), status).Inc()
		// the first message event decides the reported status
		if !primary && status != StatusStatus {
			result.Status = status
			primary = true
		}
	}
	return result, nil
}

func (s *InboundService) checkChannels(ctx context.Context, events []channel.Event) error {
	seen := make(map[string]bool, 1)
	for _, event := range events {
		switch event.(type) {
		case channel.TextMessage, channel.MediaMessage:
		default:
			continue
		}
		meta := event.Meta()
		if seen[meta.To] {
			continue
		}
		seen[meta.To] = true
		if err := s.resolver.CheckChannel(ctx, meta.To); err != nil {
			s.log.Error("channel misconfigured", zap.String("to", meta.To), zap.Error(err))
			metrics.WebhookEventsTotal.WithLabelValues(string(meta.Provider), "misconfigured").Inc()
			return err
		}
	}
	return nil
}

func (s *InboundService) handleEvent(ctx context.Context, event channel.Event) string {
	meta := event.Meta()

	var in Inbound
	switch ev := event.(type) {
	case channel.StatusUpdate:
		s.log.Debug("status update", zap.String("provider", string(meta.Provider)), zap.String("status", ev.Status))
		return StatusStatus
	case channel.UnsupportedMessage:
		s.log.Info("unsupported message kind ignored",
			zap.String("provider", string(meta.Provider)),
			zap.String("kind", ev.Kind),
		)
		return StatusUnsupported
	case channel.TextMessage:
		in = Inbound{Text: ev.Body}
	case channel.MediaMessage:
		media := ev.Media
		in = Inbound{Text: mediaTurnText(media.Kind, ev.Caption), Media: &media}
	default:
		return StatusUnsupported
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.resolver.Resolve(ctx, meta.To, meta.From)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		s.log.Warn("no channel for receiving number", zap.String("to", meta.To))
		return StatusIgnored
	case errors.Is(err, ErrMisconfigured):
		s.log.Error("channel misconfigured", zap.String("to", meta.To), zap.Error(err))
		return StatusFailed
	case err != nil:
		s.log.Error("identity resolution failed", zap.Error(err))
		return StatusFailed
	}

	log := s.log.WithContact(res.Channel.TenantID, res.Contact.ID)

	if !res.Respond {
		if err := s.pipeline.RecordGateClosed(ctx, res, in.Text); err != nil {
			log.Error("failed to persist inbound turn", zap.Error(err))
		}
		log.Info("gate closed", zap.String("reason", res.Reason))
		return StatusInactive
	}

	if s.debounce && in.Media == nil {
		entry, err := s.turns.EnqueuePending(ctx, res.Channel.TenantID, res.Channel.ID, res.Contact.ID, in.Text)
		if err != nil {
			log.Error("failed to enqueue message", zap.Error(err))
			return StatusFailed
		}
		log.Debug("message queued",
			zap.String("queue_entry_id", entry.ID),
			zap.Int("pending", len(entry.Messages)),
		)
		return StatusQueued
	}

	if err := s.pipeline.Respond(ctx, res, in); err != nil {
		return StatusFailed
	}
	return StatusReplied
}

// mediaTurnText is the persisted body of a media turn. It is never empty so
// the turn stays a valid user message when replayed as history.
func mediaTurnText(kind channel.MediaKind, caption string) string {
	label := "[" + string(kind) + "]"
	if kind == channel.MediaImage {
		label = "[imagen]"
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return label
	}
	return label + " " + caption
}

func newEventID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
