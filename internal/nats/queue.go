package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/pkg/logger"
)

// QueueGroup load-balances queue triggers across gateway instances.
const QueueGroup = "agent-queue-workers"

// QueueProcessor processes one pending queue entry.
type QueueProcessor interface {
	Process(ctx context.Context, entryID string) error
}

// QueueTrigger publishes and consumes "process this entry" notifications.
// The payload is the bare entry id.
type QueueTrigger struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	log     *logger.Logger
	sub     *nats.Subscription
}

// NewQueueTrigger creates a trigger on subject. timeout bounds each processing run.
func NewQueueTrigger(client *Client, subject string, timeout time.Duration, log *logger.Logger) *QueueTrigger {
	return &QueueTrigger{
		conn:    client.Conn(),
		subject: subject,
		timeout: timeout,
		log:     log.Named("queue_trigger"),
	}
}

// Notify asks some gateway instance to process entryID.
func (t *QueueTrigger) Notify(ctx context.Context, entryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.Publish(t.subject, []byte(entryID)); err != nil {
		return fmt.Errorf("failed to publish queue trigger: %w", err)
	}
	return nil
}

// Subscribe starts handing triggers to proc. Only one member of the queue
// group receives each trigger.
func (t *QueueTrigger) Subscribe(proc QueueProcessor, claimed error) error {
	sub, err := t.conn.QueueSubscribe(t.subject, QueueGroup, func(msg *nats.Msg) {
		entryID := strings.TrimSpace(string(msg.Data))
		if entryID == "" {
			t.log.Warn("empty queue trigger")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		err := proc.Process(ctx, entryID)
		switch {
		case err == nil:
		case claimed != nil && errors.Is(err, claimed):
			t.log.Debug("queue entry already claimed", zap.String("entry_id", entryID))
		default:
			t.log.Error("queue processing failed", zap.String("entry_id", entryID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.subject, err)
	}
	t.sub = sub
	t.log.Info("listening for queue triggers", zap.String("subject", t.subject), zap.String("group", QueueGroup))
	return nil
}

// Unsubscribe stops receiving triggers.
func (t *QueueTrigger) Unsubscribe() error {
	if t.sub == nil {
		return nil
	}
	return t.sub.Drain()
}
