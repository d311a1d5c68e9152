// Package playbook implements the incident response playbook runner: an
// auditable executor that walks an operator through the ordered steps of a
// template, gates step completion on authored requirements, tracks elapsed
// time with pause/resume and escalation thresholds, runs the perishable
// inventory disposition sub-workflow and compiles the final incident report.
//
// The package performs no I/O. Callers persist Runner snapshots, deliver
// drained events and archive compiled reports.
package playbook

import "strings"

// Severity classifies a template or incident. Presentation and filtering only.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ActionItem is one checklist entry of a step. Required items gate completion.
type ActionItem struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// StepDefinition is the authored, immutable definition of one step.
type StepDefinition struct {
	StepNumber          int          `json:"step_number"`
	Title               string       `json:"title"`
	Description         string       `json:"description"`
	CriticalWarning     string       `json:"critical_warning,omitempty"`
	ActionItems         []ActionItem `json:"action_items"`
	PhotoRequired       bool         `json:"photo_required"`
	PhotoPrompt         string       `json:"photo_prompt,omitempty"`
	NotePrompt          string       `json:"note_prompt,omitempty"`
	TimerMinutes        int          `json:"timer_minutes,omitempty"`
	RegulatoryReference string       `json:"regulatory_reference,omitempty"`
	EscalationContact   string       `json:"escalation_contact,omitempty"`
	EscalationMinutes   int          `json:"escalation_minutes,omitempty"`

	// TriggersDisposition marks the food-evaluation step that opens the
	// perishable inventory disposition sub-workflow.
	TriggersDisposition bool `json:"triggers_disposition_workflow"`
}

// ActionItem returns the item with the given id.
func (s *StepDefinition) ActionItem(id string) (ActionItem, bool) {
	for _, item := range s.ActionItems {
		if item.ID == id {
			return item, true
		}
	}
	return ActionItem{}, false
}

// RequiredItemIDs returns the ids of every required action item, in authored order.
func (s *StepDefinition) RequiredItemIDs() []string {
	ids := make([]string, 0, len(s.ActionItems))
	for _, item := range s.ActionItems {
		if item.Required {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// HasEscalation reports whether the step defines an escalation threshold.
func (s *StepDefinition) HasEscalation() bool {
	return s.EscalationMinutes > 0
}

// Template is the immutable definition of a playbook. Templates are supplied
// fully formed by the template source: steps are non-empty and numbered
// contiguously from 1.
type Template struct {
	ID              string           `json:"id"`
	Version         string           `json:"version"`
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	Severity        Severity         `json:"severity"`
	Category        string           `json:"category"`
	RegulatoryBasis string           `json:"regulatory_basis,omitempty"`
	Steps           []StepDefinition `json:"steps"`
}

// TotalSteps returns the number of steps.
func (t *Template) TotalSteps() int {
	return len(t.Steps)
}

// Step returns the definition for a 1-based step number.
func (t *Template) Step(stepNumber int) (*StepDefinition, bool) {
	if stepNumber < 1 || stepNumber > len(t.Steps) {
		return nil, false
	}
	return &t.Steps[stepNumber-1], true
}

// Clone returns a deep copy so a running instance never observes later edits.
func (t *Template) Clone() *Template {
	c := *t
	c.Steps = make([]StepDefinition, len(t.Steps))
	for i, s := range t.Steps {
		s.ActionItems = append([]ActionItem(nil), s.ActionItems...)
		c.Steps[i] = s
	}
	return &c
}

// dispositionKeywords drive the authoring-time heuristic for templates that
// predate the explicit flag.
var dispositionKeywords = []string{"food", "inventory"}

// LooksLikeDispositionStep reports whether the step title or description
// mentions food or inventory. Template sources call it once at load time for
// steps that do not set TriggersDisposition explicitly.
func LooksLikeDispositionStep(s StepDefinition) bool {
	text := strings.ToLower(s.Title + " " + s.Description)
	for _, kw := range dispositionKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
