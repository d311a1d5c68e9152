// Package models defines the request and response bodies of the HTTP API.
// Engine types from the playbook package are embedded where they are
// returned unchanged.
package models

import (
	"time"

	"github.com/complyops/playbook-runner/internal/playbook"
)

// StartIncidentRequest is the request body for activating a template.
// The operator is taken from the bearer token, not the body.
type StartIncidentRequest struct {
	TemplateID string            `json:"template_id" validate:"required"`
	Location   string            `json:"location"`
	Severity   playbook.Severity `json:"severity,omitempty"`
}

// ToggleRequest flips one action item on a visited step.
type ToggleRequest struct {
	ItemID string `json:"item_id" validate:"required"`
}

// NoteRequest replaces the notes of a visited step.
type NoteRequest struct {
	Notes string `json:"notes"`
}

// TemperatureRequest records one reading on the current step.
type TemperatureRequest struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit" validate:"required"`
}

// SignatureRequest carries the signature image. Data is base64 in JSON.
type SignatureRequest struct {
	SignedBy string `json:"signed_by" validate:"required"`
	Data     []byte `json:"data" validate:"required"`
}

// SkipRequest is the body of a skip. Reason must be non-blank.
type SkipRequest struct {
	Reason string `json:"reason"`
}

// AbandonRequest is the body of an abandon. Reason must be non-blank.
type AbandonRequest struct {
	Reason string `json:"reason"`
}

// NavigateRequest moves the view to another step.
type NavigateRequest struct {
	Step int `json:"step"`
}

// DecisionRequest overrides the decision on one disposition entry.
type DecisionRequest struct {
	Decision playbook.Decision `json:"decision"`
}

// IncidentView is the full state of a running or finished incident.
type IncidentView struct {
	*playbook.Incident
	Clock             playbook.ClockState         `json:"clock"`
	DispositionActive bool                        `json:"disposition_active"`
	Disposition       []playbook.DispositionEntry `json:"disposition"`
	EstimatedLoss     float64                     `json:"estimated_loss"`
}

// ReportResponse wraps a draft report. Finalized reports are served as
// their canonical bytes instead.
type ReportResponse struct {
	Final  bool                     `json:"final"`
	Report *playbook.IncidentReport `json:"report"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error        string   `json:"error"`
	Code         string   `json:"code,omitempty"`
	Step         int      `json:"step,omitempty"`
	MissingItems []string `json:"missing_items,omitempty"`
	MissingPhoto bool     `json:"missing_photo,omitempty"`
}

// MerkleProof contains the ledger proof for one finalized report
type MerkleProof struct {
	LeafHash string      `json:"leaf_hash"`
	Root     string      `json:"root"`
	Proof    []ProofStep `json:"proof"`
	Index    int         `json:"index"`
	Verified bool        `json:"verified"`
}

// ProofStep is a single step in a Merkle proof path
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"` // "left" | "right"
}

// VerifyRequest asks whether a report digest is anchored in the ledger.
// Proof is optional; without it the server builds one for the digest.
type VerifyRequest struct {
	Digest string       `json:"digest" validate:"required"`
	Proof  *MerkleProof `json:"proof,omitempty"`
}

// VerifyResponse is the result of a ledger verification.
type VerifyResponse struct {
	Digest   string `json:"digest"`
	Root     string `json:"root"`
	Index    int    `json:"index"`
	Verified bool   `json:"verified"`
}

// LedgerRoot is the current root of the report ledger.
type LedgerRoot struct {
	Root      string    `json:"root"`
	LeafCount int       `json:"leaf_count"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus represents the server health check response
type HealthStatus struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	Database   string `json:"database"`
	MerkleRoot string `json:"merkle_root,omitempty"`
}
