package handlers

import (
	"net/http"
	"strconv"

	"github.com/complyops/playbook-runner/internal/services"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ActivityHandler handles activity log endpoints
type ActivityHandler struct {
	svc    *services.ActivityLogService
	logger *zap.SugaredLogger
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(svc *services.ActivityLogService, logger *zap.SugaredLogger) *ActivityHandler {
	return &ActivityHandler{svc: svc, logger: logger}
}

// ByIncident handles GET /api/v1/incidents/{incidentID}/activity
func (h *ActivityHandler) ByIncident(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.FetchByIncident(r.Context(), chi.URLParam(r, "incidentID"), limitParam(r, 50))
	if err != nil {
		h.logger.Errorw("Failed to fetch activity", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to fetch logs")
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

// Recent handles GET /api/v1/activity/recent
func (h *ActivityHandler) Recent(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.FetchRecent(r.Context(), limitParam(r, 100))
	if err != nil {
		h.logger.Errorw("Failed to fetch recent activity", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to fetch recent activity")
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

func limitParam(r *http.Request, fallback int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return fallback
}
