package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/clinicflow/agent-gateway/internal/model"
)

const (
	// StreamName is the name of the agent turns stream.
	StreamName = "AGENT_TURNS"

	// SubjectPrefix is the prefix for all turn and event subjects.
	SubjectPrefix = "agent.turns"
)

// TurnPublisher mirrors persisted turns and processing events to JetStream.
type TurnPublisher struct {
	js jetstream.JetStream
}

// NewTurnPublisher creates a publisher on the client's JetStream context.
func NewTurnPublisher(client *Client) *TurnPublisher {
	return &TurnPublisher{js: client.JetStream()}
}

// EnsureStream ensures the turns stream exists with proper configuration.
func (p *TurnPublisher) EnsureStream(ctx context.Context) error {
	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Persisted conversation turns and agent processing events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// TurnSubject returns the subject for a turn.
func TurnSubject(tenantID, contactID string, direction model.Direction) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, token(tenantID), token(contactID), direction)
}

// EventSubject returns the subject for an event.
func EventSubject(tenantID, contactID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, token(tenantID), token(contactID), eventType)
}

// ContactFilter returns the filter subject for everything about one contact.
func ContactFilter(tenantID, contactID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(tenantID), token(contactID))
}

// token keeps identifiers from introducing extra subject levels or wildcards.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// PublishTurn publishes a turn and records the stream sequence on it.
func (p *TurnPublisher) PublishTurn(ctx context.Context, turn *model.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	ack, err := p.js.Publish(ctx, TurnSubject(turn.TenantID, turn.ContactID, turn.Direction), data,
		jetstream.WithMsgID(turn.ID))
	if err != nil {
		return fmt.Errorf("failed to publish turn: %w", err)
	}
	turn.Sequence = ack.Sequence
	return nil
}

// PublishEvent publishes a processing event.
func (p *TurnPublisher) PublishEvent(ctx context.Context, event *model.AgentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, EventSubject(event.TenantID, event.ContactID, event.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// ContactTurns reads up to limit turns of a contact from the stream,
// starting after afterSequence.
func (p *TurnPublisher) ContactTurns(ctx context.Context, tenantID, contactID string, afterSequence uint64, limit int) ([]model.Turn, error) {
	consumerConfig := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{fmt.Sprintf("%s.%s.%s.msg.>", SubjectPrefix, token(tenantID), token(contactID))},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := p.js.OrderedConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch turns: %w", err)
	}

	var turns []model.Turn
	for msg := range batch.Messages() {
		var turn model.Turn
		if err := json.Unmarshal(msg.Data(), &turn); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			turn.Sequence = meta.Sequence.Stream
		}
		turns = append(turns, turn)
	}
	if err := batch.Error(); err != nil && err != context.DeadlineExceeded {
		return nil, fmt.Errorf("batch error: %w", err)
	}
	return turns, nil
}
