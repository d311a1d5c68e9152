package handlers

import (
	"net/http"

	"github.com/complyops/playbook-runner/internal/services"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// TemplateHandler serves the loaded playbook templates
type TemplateHandler struct {
	library *services.TemplateLibrary
	logger  *zap.SugaredLogger
}

// NewTemplateHandler creates a new template handler
func NewTemplateHandler(library *services.TemplateLibrary, logger *zap.SugaredLogger) *TemplateHandler {
	return &TemplateHandler{library: library, logger: logger}
}

// List handles GET /api/v1/templates
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.library.List())
}

// Get handles GET /api/v1/templates/{templateID}
func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.library.Get(chi.URLParam(r, "templateID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}
