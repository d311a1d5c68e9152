package handlers

import (
	"net/http"
	"strconv"

	"github.com/complyops/playbook-runner/internal/models"
	"github.com/complyops/playbook-runner/internal/services"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// IntegrityHandler handles report ledger endpoints
type IntegrityHandler struct {
	ledger    *services.ReportLedger
	incidents *services.IncidentService
	logger    *zap.SugaredLogger
}

// NewIntegrityHandler creates a new integrity handler
func NewIntegrityHandler(ledger *services.ReportLedger, incidents *services.IncidentService, logger *zap.SugaredLogger) *IntegrityHandler {
	return &IntegrityHandler{ledger: ledger, incidents: incidents, logger: logger}
}

// GetRoot handles GET /api/v1/integrity/root
func (h *IntegrityHandler) GetRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.LedgerRoot{
		Root:      h.ledger.GetRoot(),
		LeafCount: h.ledger.GetLeafCount(),
		Timestamp: h.ledger.GetLastBuildTime(),
	})
}

// GetProof handles GET /api/v1/integrity/proof/{index}
func (h *IntegrityHandler) GetProof(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid index")
		return
	}

	proof, err := h.ledger.GetProof(index)
	if err != nil {
		respondError(w, http.StatusNotFound, "Proof not available for index")
		return
	}
	respondJSON(w, http.StatusOK, proof)
}

// IncidentProof handles GET /api/v1/integrity/incidents/{incidentID}/proof
func (h *IntegrityHandler) IncidentProof(w http.ResponseWriter, r *http.Request) {
	view, err := h.incidents.Report(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		if !isNotFound(err) {
			h.logger.Errorw("Failed to load report for proof", "error", err)
		}
		respondServiceError(w, err)
		return
	}
	if !view.Final || view.LedgerIndex < 0 {
		respondError(w, http.StatusNotFound, "Report is not anchored in the ledger")
		return
	}

	proof, err := h.ledger.GetProof(view.LedgerIndex)
	if err != nil {
		respondError(w, http.StatusNotFound, "Proof not available for index")
		return
	}
	respondJSON(w, http.StatusOK, proof)
}

// Verify handles POST /api/v1/integrity/verify. A client-supplied proof is
// checked as is; without one the server looks the digest up in the ledger.
func (h *IntegrityHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Digest == "" {
		respondError(w, http.StatusBadRequest, "Missing required field: digest")
		return
	}

	if req.Proof != nil {
		respondJSON(w, http.StatusOK, models.VerifyResponse{
			Digest:   req.Digest,
			Root:     req.Proof.Root,
			Index:    req.Proof.Index,
			Verified: req.Proof.LeafHash == req.Digest && services.VerifyProof(req.Proof),
		})
		return
	}

	resp := models.VerifyResponse{Digest: req.Digest, Root: h.ledger.GetRoot(), Index: h.ledger.IndexOf(req.Digest)}
	if resp.Index >= 0 {
		if proof, err := h.ledger.GetProof(resp.Index); err == nil {
			resp.Root = proof.Root
			resp.Verified = services.VerifyProof(proof)
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
