package playbook

import "time"

// EventType names a lifecycle or escalation signal.
type EventType string

const (
	EventStarted       EventType = "started"
	EventStepCompleted EventType = "step_completed"
	EventStepSkipped   EventType = "step_skipped"
	EventEscalation    EventType = "escalation"
	EventPaused        EventType = "paused"
	EventResumed       EventType = "resumed"
	EventCompleted     EventType = "completed"
	EventAbandoned     EventType = "abandoned"
)

// Event is emitted by a Runner and drained by the caller for delivery. The
// runner never delivers events itself.
type Event struct {
	Type       EventType `json:"type"`
	IncidentID string    `json:"incident_id"`
	TemplateID string    `json:"template_id"`
	Location   string    `json:"location"`
	Step       int       `json:"step,omitempty"`
	StepTitle  string    `json:"step_title,omitempty"`
	Reason     string    `json:"reason,omitempty"`

	// Escalation fields.
	Contact        string `json:"escalation_contact,omitempty"`
	ElapsedMinutes int    `json:"elapsed_minutes,omitempty"`

	At time.Time `json:"at"`
}
