// Package handlers contains the HTTP handlers of the playbook runner API.
// Handlers parse requests, call services, and return JSON responses.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/complyops/playbook-runner/internal/models"
	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/complyops/playbook-runner/internal/services"
)

// Helper: respond with JSON
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Helper: respond with error
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: message})
}

// respondServiceError maps engine and service errors to a status and body.
// Anything unrecognized is a 500 and the caller is expected to have logged it.
func respondServiceError(w http.ResponseWriter, err error) {
	var pe *playbook.Error
	if errors.As(err, &pe) {
		respondJSON(w, statusForCode(pe.Code), models.ErrorResponse{
			Error:        pe.Message,
			Code:         string(pe.Code),
			Step:         pe.Step,
			MissingItems: pe.MissingItems,
			MissingPhoto: pe.MissingPhoto,
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrIncidentNotFound):
		respondError(w, http.StatusNotFound, "Incident not found")
	case errors.Is(err, services.ErrTemplateNotFound):
		respondError(w, http.StatusNotFound, "Template not found")
	default:
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, services.ErrIncidentNotFound) || errors.Is(err, services.ErrTemplateNotFound)
}

func statusForCode(code playbook.Code) int {
	switch code {
	case playbook.CodeInstanceClosed, playbook.CodeStepNotActive, playbook.CodeDispositionInactive:
		return http.StatusConflict
	case playbook.CodeUnknownStep, playbook.CodeUnknownActionItem, playbook.CodeUnknownDispositionEntry:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}

// decodeJSON reads a request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
