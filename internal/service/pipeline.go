package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/agent"
	"github.com/clinicflow/agent-gateway/internal/channel"
	"github.com/clinicflow/agent-gateway/internal/llm"
	"github.com/clinicflow/agent-gateway/internal/model"
	"github.com/clinicflow/agent-gateway/pkg/logger"
	"github.com/clinicflow/agent-gateway/pkg/metrics"
	"github.com/clinicflow/agent-gateway/pkg/tracing"
)

// Outcome statuses reported to webhook callers and queue metrics.
const (
	StatusReplied     = "replied"
	StatusQueued      = "queued"
	StatusInactive    = "inactive"
	StatusIgnored     = "ignored"
	StatusUnsupported = "unsupported"
	StatusStatus      = "status"
	StatusFailed      = "failed"
)

// TurnStore persists conversation turns and pending queue entries.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn *model.Turn) error
	EnqueuePending(ctx context.Context, tenantID, channelID, contactID, body string) (*model.QueueEntry, error)
	ClaimQueueEntry(ctx context.Context, entryID string) (*model.QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, entryID string) error
}

// Assembler builds the model-ready context of a turn.
type Assembler interface {
	Assemble(ctx context.Context, in agent.AssembleInput) (*agent.Conversation, error)
}

// Runner drives the tool-calling loop.
type Runner interface {
	Run(ctx context.Context, in agent.RunInput) (*agent.RunResult, error)
}

// Sender delivers a reply through the contact's channel.
type Sender interface {
	Send(ctx context.Context, conn *model.ChannelConnection, to, body string) error
}

// MediaSource downloads inbound media.
type MediaSource interface {
	Fetch(ctx context.Context, conn *model.ChannelConnection, desc channel.MediaDescriptor) (*channel.EncodedMedia, error)
}

// EventPublisher mirrors turns and processing events to the event stream.
type EventPublisher interface {
	PublishTurn(ctx context.Context, turn *model.Turn) error
	PublishEvent(ctx context.Context, event *model.AgentEvent) error
}

type nopPublisher struct{}

func (nopPublisher) PublishTurn(context.Context, *model.Turn) error        { return nil }
func (nopPublisher) PublishEvent(context.Context, *model.AgentEvent) error { return nil }

// Pipeline answers one resolved inbound turn: load context, persist the user
// turn, fetch media, run the loop, persist the reply and dispatch it.
type Pipeline struct {
	turns     TurnStore
	assembler Assembler
	runner    Runner
	sender    Sender
	media     MediaSource
	events    EventPublisher
	now       func() time.Time
	log       *logger.Logger
}

// PipelineDeps are the collaborators of a Pipeline. Events may be nil.
type PipelineDeps struct {
	Turns     TurnStore
	Assembler Assembler
	Runner    Runner
	Sender    Sender
	Media     MediaSource
	Events    EventPublisher
}

// NewPipeline creates a pipeline.
func NewPipeline(deps PipelineDeps, log *logger.Logger) *Pipeline {
	events := deps.Events
	if events == nil {
		events = nopPublisher{}
	}
	return &Pipeline{
		turns:     deps.Turns,
		assembler: deps.Assembler,
		runner:    deps.Runner,
		sender:    deps.Sender,
		media:     deps.Media,
		events:    events,
		now:       time.Now,
		log:       log.Named("pipeline"),
	}
}

// Inbound is the user content of one turn.
type Inbound struct {
	Text  string
	Media *channel.MediaDescriptor
}

// Respond runs the full answer path for a turn that passed the gate. The
// returned error is non-nil only when no reply could be produced or persisted;
// dispatch failures are logged and reported through the event stream.
func (p *Pipeline) Respond(ctx context.Context, res *Resolution, in Inbound) error {
	ctx, span := tracing.Tracer().Start(ctx, "service.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", res.Channel.TenantID),
		attribute.String("channel.provider", string(res.Channel.Provider)),
		attribute.Bool("person.known", res.Person != nil),
	)

	log := p.log.WithContact(res.Channel.TenantID, res.Contact.ID)

	conv, err := p.assembler.Assemble(ctx, agent.AssembleInput{
		Config:  res.Config,
		Contact: res.Contact,
		Person:  res.Person,
		Text:    in.Text,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := p.RecordTurn(ctx, res, model.DirectionUser, in.Text); err != nil {
		span.RecordError(err)
		return err
	}

	var media []llm.MediaPart
	if in.Media != nil {
		if part, ok := p.fetchMedia(ctx, res, *in.Media, log); ok {
			media = append(media, part)
		}
	}

	result, err := p.runner.Run(ctx, agent.RunInput{
		Config:       res.Config,
		Person:       res.Person,
		ContactPhone: res.Contact.PhoneNumber,
		Conversation: conv,
		Text:         in.Text,
		Media:        media,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent loop failed")
		log.Error("agent loop failed", zap.Error(err))
		p.publishEvent(ctx, res, model.EventTypeCompletionFailed, err.Error(), nil)
		return err
	}
	if result.Exhausted {
		p.publishEvent(ctx, res, model.EventTypeToolLoopExhausted, "iteration cap reached",
			map[string]any{"iterations": result.Iterations, "tool_calls": result.ToolCalls})
	}

	if err := p.RecordTurn(ctx, res, model.DirectionAgent, result.Reply); err != nil {
		span.RecordError(err)
		return err
	}

	if err := p.sender.Send(ctx, res.Channel, res.Contact.PhoneNumber, result.Reply); err != nil {
		span.RecordError(err)
		log.Error("reply dispatch failed",
			zap.String("provider", string(res.Channel.Provider)),
			zap.Error(err),
		)
		p.publishEvent(ctx, res, model.EventTypeDispatchFailed, err.Error(), nil)
		return nil
	}

	log.Info("reply sent",
		zap.Int("iterations", result.Iterations),
		zap.Int("tool_calls", result.ToolCalls),
	)
	return nil
}

// RecordTurn persists a turn and mirrors it to the event stream.
func (p *Pipeline) RecordTurn(ctx context.Context, res *Resolution, direction model.Direction, body string) error {
	turn := &model.Turn{
		TenantID:  res.Channel.TenantID,
		ContactID: res.Contact.ID,
		Direction: direction,
		Body:      body,
	}
	if err := p.turns.AppendTurn(ctx, turn); err != nil {
		return err
	}
	metrics.TurnsTotal.WithLabelValues(turn.TenantID, string(direction)).Inc()

	if err := p.events.PublishTurn(ctx, turn); err != nil {
		p.log.Warn("failed to publish turn",
			zap.String("turn_id", turn.ID),
			zap.Error(err),
		)
	}
	return nil
}

// RecordGateClosed persists the inbound text of a turn the assistant will not
// answer, so staff can still read it.
func (p *Pipeline) RecordGateClosed(ctx context.Context, res *Resolution, text string) error {
	p.publishEvent(ctx, res, model.EventTypeGateClosed, res.Reason, nil)
	if text == "" {
		return nil
	}
	return p.RecordTurn(ctx, res, model.DirectionUser, text)
}

func (p *Pipeline) fetchMedia(ctx context.Context, res *Resolution, desc channel.MediaDescriptor, log *logger.Logger) (llm.MediaPart, bool) {
	ctx, span := tracing.Tracer().Start(ctx, "service.fetch_media")
	defer span.End()

	if p.media == nil {
		return llm.MediaPart{}, false
	}
	encoded, err := p.media.Fetch(ctx, res.Channel, desc)
	if err != nil {
		span.RecordError(err)
		log.Warn("media retrieval failed, continuing with text only",
			zap.String("media_id", desc.ID),
			zap.Error(err),
		)
		return llm.MediaPart{}, false
	}
	return llm.MediaPart{MimeType: encoded.MimeType, Data: encoded.Data}, true
}

func (p *Pipeline) publishEvent(ctx context.Context, res *Resolution, typ model.EventType, reason string, meta map[string]any) {
	event := &model.AgentEvent{
		TenantID:  res.Channel.TenantID,
		ContactID: res.Contact.ID,
		Type:      typ,
		Reason:    reason,
		Metadata:  meta,
		CreatedAt: p.now().UTC(),
	}
	if id, err := newEventID(); err == nil {
		event.ID = id
	}
	if err := p.events.PublishEvent(ctx, event); err != nil {
		p.log.Warn("failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}
