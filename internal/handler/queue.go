package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicflow/agent-gateway/internal/middleware"
	"github.com/clinicflow/agent-gateway/internal/service"
	"github.com/clinicflow/agent-gateway/pkg/logger"
)

// QueueRunner processes one pending queue entry.
type QueueRunner interface {
	Process(ctx context.Context, entryID string) error
}

// QueueHandler exposes queue processing to internal schedulers.
type QueueHandler struct {
	runner QueueRunner
	logger *logger.Logger
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(runner QueueRunner, log *logger.Logger) *QueueHandler {
	return &QueueHandler{
		runner: runner,
		logger: log.Named("queue_handler"),
	}
}

// Process handles POST /internal/queue/{id}/process
func (h *QueueHandler) Process(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "id")
	if err := middleware.ValidateQueueEntryID(entryID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.runner.Process(r.Context(), entryID)
	switch {
	case errors.Is(err, service.ErrQueueEntryClaimed):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "claimed"})
	case err != nil:
		h.logger.Error("queue processing failed",
			zap.String("queue_entry_id", entryID),
			zap.String("subject", middleware.GetSubject(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "processing failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}
