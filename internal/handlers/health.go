package handlers

import (
	"net/http"
	"time"

	"github.com/complyops/playbook-runner/internal/database"
	"github.com/complyops/playbook-runner/internal/models"
	"github.com/complyops/playbook-runner/internal/services"
	"go.uber.org/zap"
)

// Version is reported by the health endpoints.
const Version = "1.0.0"

var startTime = time.Now()

// HealthHandler provides health check endpoints
type HealthHandler struct {
	store  database.Store
	ledger *services.ReportLedger
	logger *zap.SugaredLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store database.Store, ledger *services.ReportLedger, logger *zap.SugaredLogger) *HealthHandler {
	return &HealthHandler{store: store, ledger: ledger, logger: logger}
}

// Check handles GET /api/v1/health (liveness probe)
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.HealthStatus{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(startTime).String(),
	})
}

// Ready handles GET /api/v1/health/ready (readiness probe)
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warnw("Readiness check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, models.HealthStatus{
			Status:   "not ready",
			Version:  Version,
			Database: "disconnected",
		})
		return
	}

	respondJSON(w, http.StatusOK, models.HealthStatus{
		Status:     "ready",
		Version:    Version,
		Uptime:     time.Since(startTime).String(),
		Database:   "connected",
		MerkleRoot: h.ledger.GetRoot(),
	})
}
