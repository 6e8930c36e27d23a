package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/store"
	"github.com/clinicflow/agent-gateway/pkg/logger"
	"github.com/clinicflow/agent-gateway/pkg/metrics"
	"github.com/clinicflow/agent-gateway/pkg/tracing"
)

// ErrQueueEntryClaimed is returned when another worker already owns the entry.
var ErrQueueEntryClaimed = errors.New("queue entry already claimed")

const deleteTimeout = 5 * time.Second

// QueueProcessor answers one batched pending queue entry as a single turn.
type QueueProcessor struct {
	turns    TurnStore
	resolver *Resolver
	pipeline *Pipeline
	timeout  time.Duration
	log      *logger.Logger
}

// NewQueueProcessor creates a queue processor. timeout bounds each run.
func NewQueueProcessor(turns TurnStore, resolver *Resolver, pipeline *Pipeline, timeout time.Duration, log *logger.Logger) *QueueProcessor {
	return &QueueProcessor{
		turns:    turns,
		resolver: resolver,
		pipeline: pipeline,
		timeout:  timeout,
		log:      log.Named("queue"),
	}
}

// Process claims the entry, answers its joined bodies and deletes it. The
// entry is deleted exactly once by the claimant whatever the outcome.
func (q *QueueProcessor) Process(ctx context.Context, entryID string) error {
	ctx, span := tracing.Tracer().Start(ctx, "service.process_queue_entry")
	defer span.End()

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	log := q.log.With(zap.String("queue_entry_id", entryID))

	entry, err := q.turns.ClaimQueueEntry(ctx, entryID)
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed), errors.Is(err, store.ErrNotFound):
		metrics.QueueEntriesTotal.WithLabelValues("claimed").Inc()
		return fmt.Errorf("%w: %s", ErrQueueEntryClaimed, entryID)
	case err != nil:
		metrics.QueueEntriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("claim queue entry: %w", err)
	}

	status := StatusFailed
	defer func() {
		// the claimant deletes even when the run timed out
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
		defer cancel()
		if derr := q.turns.DeleteQueueEntry(delCtx, entry.ID); derr != nil {
			log.Error("failed to delete queue entry", zap.Error(derr))
		}
		metrics.QueueEntriesTotal.WithLabelValues(status).Inc()
	}()

	text := entry.JoinedText()
	if text == "" {
		status = StatusIgnored
		return nil
	}

	res, err := q.resolver.ResolveContact(ctx, entry)
	if err != nil {
		log.Error("queue entry resolution failed", zap.Error(err))
		return fmt.Errorf("resolve contact: %w", err)
	}

	if !res.Respond {
		status = StatusInactive
		log.Info("gate closed", zap.String("reason", res.Reason))
		return q.pipeline.RecordGateClosed(ctx, res, text)
	}

	if err := q.pipeline.Respond(ctx, res, Inbound{Text: text}); err != nil {
		return err
	}
	status = StatusReplied
	log.Info("queue entry processed", zap.Int("messages", len(entry.Messages)))
	return nil
}
