package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/medreminder/internal/dispatch"
)

// RunScheduler handles POST /v1/scheduler/run, one invocation per call.
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scheduler.Run(r.Context(), h.now())
	if err != nil {
		if errors.Is(err, dispatch.ErrLockHeld) {
			h.writeError(w, http.StatusConflict, "scheduler_busy",
				"Scheduler already running", "another invocation holds the scheduler lock")
			return
		}
		h.logger.Error("scheduler run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "scheduler_error", "Scheduler run failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// BreakerStatus handles GET /v1/scheduler/breakers, one entry per push host.
func (h *Handler) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"breakers": []any{}})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers()})
}
