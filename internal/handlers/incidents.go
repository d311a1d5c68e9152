package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/complyops/playbook-runner/internal/middleware"
	"github.com/complyops/playbook-runner/internal/models"
	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/complyops/playbook-runner/internal/services"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// IncidentHandler handles incident endpoints
type IncidentHandler struct {
	svc    *services.IncidentService
	logger *zap.SugaredLogger
}

// NewIncidentHandler creates a new incident handler
func NewIncidentHandler(svc *services.IncidentService, logger *zap.SugaredLogger) *IncidentHandler {
	return &IncidentHandler{svc: svc, logger: logger}
}

// Routes mounts the incident endpoints on r. The activity trail is mounted
// under each incident when activity is non-nil.
func (h *IncidentHandler) Routes(r chi.Router, activity *ActivityHandler) {
	r.Post("/", h.Start)
	r.Get("/", h.List)
	r.Get("/common-items", h.SearchCommonItems)
	r.Route("/{incidentID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/steps/{step}/items", h.ToggleItem)
		r.Post("/steps/{step}/photos", h.CapturePhoto)
		r.Put("/steps/{step}/notes", h.RecordNote)
		r.Post("/steps/{step}/complete", h.CompleteStep)
		r.Post("/steps/{step}/skip", h.SkipStep)
		r.Post("/navigate", h.Navigate)
		r.Post("/temperatures", h.CaptureTemperature)
		r.Post("/signature", h.CaptureSignature)
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
		r.Post("/abandon", h.Abandon)
		r.Post("/disposition", h.AddDispositionItem)
		r.Put("/disposition/{index}", h.SetDecision)
		r.Get("/report", h.Report)
		if activity != nil {
			r.Get("/activity", activity.ByIncident)
		}
	})
}

// Start handles POST /api/v1/incidents
func (h *IncidentHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req models.StartIncidentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		respondError(w, http.StatusBadRequest, "Missing required field: template_id")
		return
	}

	runner, err := h.svc.Start(r.Context(), services.StartRequest{
		TemplateID: req.TemplateID,
		Location:   req.Location,
		Severity:   req.Severity,
		Operator:   middleware.OperatorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "start", req.TemplateID, err)
		return
	}
	respondJSON(w, http.StatusCreated, incidentView(runner))
}

// List handles GET /api/v1/incidents
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.List())
}

// Get handles GET /api/v1/incidents/{incidentID}
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	runner, err := h.svc.Get(chi.URLParam(r, "incidentID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, incidentView(runner))
}

// ToggleItem handles POST /api/v1/incidents/{incidentID}/steps/{step}/items
func (h *IncidentHandler) ToggleItem(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	var req models.ToggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.apply(w, r, "toggle", func(run *playbook.Runner) error {
		return run.ToggleActionItem(step, req.ItemID)
	})
}

// CapturePhoto handles POST /api/v1/incidents/{incidentID}/steps/{step}/photos
func (h *IncidentHandler) CapturePhoto(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	h.apply(w, r, "photo", func(run *playbook.Runner) error {
		return run.CapturePhoto(step)
	})
}

// RecordNote handles PUT /api/v1/incidents/{incidentID}/steps/{step}/notes
func (h *IncidentHandler) RecordNote(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	var req models.NoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.apply(w, r, "note", func(run *playbook.Runner) error {
		return run.RecordNote(step, req.Notes)
	})
}

// CompleteStep handles POST /api/v1/incidents/{incidentID}/steps/{step}/complete
func (h *IncidentHandler) CompleteStep(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	h.apply(w, r, "complete", func(run *playbook.Runner) error {
		return run.CompleteStep(step)
	})
}

// SkipStep handles POST /api/v1/incidents/{incidentID}/steps/{step}/skip
func (h *IncidentHandler) SkipStep(w http.ResponseWriter, r *http.Request) {
	step, ok := stepParam(w, r)
	if !ok {
		return
	}
	var req models.SkipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.apply(w, r, "skip", func(run *playbook.Runner) error {
		return run.SkipStep(step, req.Reason)
	})
}

// Navigate handles POST /api/v1/incidents/{incidentID}/navigate
func (h *IncidentHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	var req models.NavigateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.apply(w, r, "navigate", func(run *playbook.Runner) error {
		return run.NavigateTo(req.Step)
	})
}

// CaptureTemperature handles POST /api/v1/incidents/{incidentID}/temperatures
func (h *IncidentHandler) CaptureTemperature(w http.ResponseWriter, r *http.Request) {
	var req models.TemperatureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.apply(w, r, "temperature", func(run *playbook.Runner) error {
		return run.CaptureTemperature(req.Value, req.Unit)
	})
}

// CaptureSignature handles POST /api/v1/incidents/{incidentID}/signature
func (h *IncidentHandler) CaptureSignature(w http.ResponseWriter, r *http.Request) {
	var req models.SignatureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, "Missing required field: data")
		return
	}
	h.apply(w, r, "signature", func(run *playbook.Runner) error {
		return run.CaptureSignature(req.SignedBy, req.Data)
	})
}

// Pause handles POST /api/v1/incidents/{incidentID}/pause
func (h *IncidentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "pause", (*playbook.Runner).Pause)
}

// Resume handles POST /api/v1/incidents/{incidentID}/resume
func (h *IncidentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "resume", (*playbook.Runner).Resume)
}

// Abandon handles POST /api/v1/incidents/{incidentID}/abandon
func (h *IncidentHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	var req models.AbandonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.apply(w, r, "abandon", func(run *playbook.Runner) error {
		return run.Abandon(req.Reason)
	})
}

// AddDispositionItem handles POST /api/v1/incidents/{incidentID}/disposition
func (h *IncidentHandler) AddDispositionItem(w http.ResponseWriter, r *http.Request) {
	var req playbook.ItemInput
	if !decodeJSON(w, r, &req) {
		return
	}
	h.apply(w, r, "disposition add", func(run *playbook.Runner) error {
		_, err := run.AddDispositionItem(req)
		return err
	})
}

// SetDecision handles PUT /api/v1/incidents/{incidentID}/disposition/{index}
func (h *IncidentHandler) SetDecision(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid index")
		return
	}
	var req models.DecisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.apply(w, r, "disposition decide", func(run *playbook.Runner) error {
		return run.SetDecision(index, req.Decision)
	})
}

// SearchCommonItems handles GET /api/v1/incidents/common-items?q=
func (h *IncidentHandler) SearchCommonItems(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, playbook.SearchCommonItems(r.URL.Query().Get("q")))
}

// Report handles GET /api/v1/incidents/{incidentID}/report.
// A finalized report is served as its canonical bytes so clients can
// recompute the digest; a draft is wrapped as JSON.
func (h *IncidentHandler) Report(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "incidentID")
	view, err := h.svc.Report(r.Context(), id)
	if err != nil {
		h.fail(w, "report", id, err)
		return
	}

	if !view.Final {
		respondJSON(w, http.StatusOK, models.ReportResponse{Final: false, Report: view.Report})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Report-Digest", view.Digest)
	if view.LedgerIndex >= 0 {
		w.Header().Set("X-Ledger-Index", strconv.Itoa(view.LedgerIndex))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(view.Canonical)
}

func (h *IncidentHandler) apply(w http.ResponseWriter, r *http.Request, action string, op func(*playbook.Runner) error) {
	id := chi.URLParam(r, "incidentID")
	runner, err := h.svc.Apply(r.Context(), id, op)
	if err != nil {
		h.fail(w, action, id, err)
		return
	}
	respondJSON(w, http.StatusOK, incidentView(runner))
}

// fail answers err and logs it when it is not an operator mistake.
func (h *IncidentHandler) fail(w http.ResponseWriter, action, subject string, err error) {
	if playbook.CodeOf(err) == "" && !isNotFound(err) {
		h.logger.Errorw("Incident operation failed", "action", action, "subject", subject, "error", err)
	}
	respondServiceError(w, err)
}

func stepParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid step number")
		return 0, false
	}
	return step, true
}

func incidentView(run *playbook.Runner) models.IncidentView {
	return models.IncidentView{
		Incident:          run.Incident(),
		Clock:             run.Clock(),
		DispositionActive: run.DispositionActive(),
		Disposition:       run.Disposition(),
		EstimatedLoss:     run.EstimatedLoss(),
	}
}
