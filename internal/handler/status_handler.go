package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dandantas/lookout/internal/scheduler"
	"github.com/dandantas/lookout/internal/submission"
	"github.com/dandantas/lookout/pkg/middleware"
)

// StatusSource is the scheduler view served by the status API
type StatusSource interface {
	Status() scheduler.Status
}

// Rechecker runs a recheck pass over the submission logs
type Rechecker interface {
	Recheck(ctx context.Context) (submission.RecheckReport, error)
	RetryQueueSize() int
}

// StatusHandler serves the scheduler status and the manual recheck trigger
type StatusHandler struct {
	source    StatusSource
	rechecker Rechecker
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(source StatusSource, rechecker Rechecker) *StatusHandler {
	return &StatusHandler{
		source:    source,
		rechecker: rechecker,
	}
}

// StatusResponse is the scheduler status plus the submission backlog
type StatusResponse struct {
	scheduler.Status
	RetryQueueSize int `json:"retry_queue_size"`
}

// Status handles GET /api/v1/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:         h.source.Status(),
		RetryQueueSize: h.rechecker.RetryQueueSize(),
	})
}

// Recheck handles POST /api/v1/recheck. It runs synchronously and returns
// the pass summary.
func (h *StatusHandler) Recheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	correlationID := middleware.GetCorrelationID(r.Context())
	slog.Info("Manual recheck requested", "correlation_id", correlationID)

	report, err := h.rechecker.Recheck(r.Context())
	if err != nil {
		if errors.Is(err, submission.ErrRecheckRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Manual recheck failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}
