package playbook

import (
	"time"
)

// Status is the lifecycle state of an incident. Transitions are one-way:
// Active to Completed or Active to Abandoned.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether the status is Completed or Abandoned.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// StepState is the per-step lifecycle: Pending, InProgress, then exactly one
// of Completed or Skipped.
type StepState string

const (
	StepPending    StepState = "pending"
	StepInProgress StepState = "in_progress"
	StepCompleted  StepState = "completed"
	StepSkipped    StepState = "skipped"
)

// Resolved reports whether the step reached Completed or Skipped.
func (s StepState) Resolved() bool {
	return s == StepCompleted || s == StepSkipped
}

// TemperatureReading is one captured probe reading.
type TemperatureReading struct {
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Signature is an opaque blob from an external capture device.
type Signature struct {
	SignedBy   string    `json:"signed_by"`
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

// StepLog records what the operator did for one step.
type StepLog struct {
	StepNumber int       `json:"step_number"`
	State      StepState `json:"state"`

	// CheckedItemIDs is kept in authored order and only ever holds ids of
	// the step's action items.
	CheckedItemIDs []string             `json:"checked_item_ids"`
	Notes          string               `json:"notes"`
	PhotosTaken    int                  `json:"photos_taken"`
	SkipReason     string               `json:"skip_reason,omitempty"`
	Temperatures   []TemperatureReading `json:"temperatures,omitempty"`
	Signature      *Signature           `json:"signature,omitempty"`

	// TimeSpent accumulates unpaused time across every visit to the step.
	TimeSpent  time.Duration `json:"time_spent"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Skipped reports whether the step was skipped.
func (l *StepLog) Skipped() bool {
	return l.State == StepSkipped
}

// Checked reports whether itemID is checked.
func (l *StepLog) Checked(itemID string) bool {
	for _, id := range l.CheckedItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}

func (l *StepLog) clone() StepLog {
	c := *l
	c.CheckedItemIDs = append([]string{}, l.CheckedItemIDs...)
	c.Temperatures = append([]TemperatureReading(nil), l.Temperatures...)
	if l.Signature != nil {
		sig := *l.Signature
		sig.Data = append([]byte(nil), l.Signature.Data...)
		c.Signature = &sig
	}
	c.StartedAt = cloneTime(l.StartedAt)
	c.ResolvedAt = cloneTime(l.ResolvedAt)
	return c
}

// Incident is the mutable runtime record created from a template.
type Incident struct {
	ID              string    `json:"id"`
	TemplateID      string    `json:"template_id"`
	TemplateVersion string    `json:"template_version"`
	Location        string    `json:"location"`
	Severity        Severity  `json:"severity"`
	InitiatedBy     string    `json:"initiated_by"`
	InitiatedAt     time.Time `json:"initiated_at"`
	Status          Status    `json:"status"`

	// CurrentStep is the step the operator is looking at. FrontierStep is the
	// furthest step reached; it only moves forward.
	CurrentStep  int `json:"current_step"`
	FrontierStep int `json:"frontier_step"`
	TotalSteps   int `json:"total_steps"`

	// StepLogs holds one log per step; StepLogs[i] belongs to step i+1.
	StepLogs []StepLog `json:"step_logs"`

	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	AbandonedAt   *time.Time `json:"abandoned_at,omitempty"`
	AbandonReason string     `json:"abandon_reason,omitempty"`

	// TotalElapsed is the unpaused instance time, frozen at termination.
	TotalElapsed time.Duration `json:"total_elapsed"`
}

// StartParams describes a new activation of a template.
type StartParams struct {
	ID          string
	Location    string
	Severity    Severity
	InitiatedBy string
}

func newIncident(tpl *Template, p StartParams, now time.Time) *Incident {
	total := tpl.TotalSteps()
	invariant(total > 0, "template %q has no steps", tpl.ID)

	severity := p.Severity
	if severity == "" {
		severity = tpl.Severity
	}

	logs := make([]StepLog, total)
	for i := range logs {
		logs[i] = StepLog{StepNumber: i + 1, State: StepPending, CheckedItemIDs: []string{}}
	}
	started := now
	logs[0].State = StepInProgress
	logs[0].StartedAt = &started

	return &Incident{
		ID:              p.ID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Location:        p.Location,
		Severity:        severity,
		InitiatedBy:     p.InitiatedBy,
		InitiatedAt:     now,
		Status:          StatusActive,
		CurrentStep:     1,
		FrontierStep:    1,
		TotalSteps:      total,
		StepLogs:        logs,
	}
}

// Log returns the log for a 1-based step number.
func (inc *Incident) Log(stepNumber int) (*StepLog, bool) {
	if stepNumber < 1 || stepNumber > len(inc.StepLogs) {
		return nil, false
	}
	return &inc.StepLogs[stepNumber-1], true
}

// CountState returns how many steps are in the given state.
func (inc *Incident) CountState(state StepState) int {
	n := 0
	for i := range inc.StepLogs {
		if inc.StepLogs[i].State == state {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (inc *Incident) Clone() *Incident {
	c := *inc
	c.StepLogs = make([]StepLog, len(inc.StepLogs))
	for i := range inc.StepLogs {
		c.StepLogs[i] = inc.StepLogs[i].clone()
	}
	c.CompletedAt = cloneTime(inc.CompletedAt)
	c.AbandonedAt = cloneTime(inc.AbandonedAt)
	return &c
}

func (inc *Incident) checkInvariants() {
	invariant(inc.TotalSteps == len(inc.StepLogs), "incident %s has %d logs for %d steps", inc.ID, len(inc.StepLogs), inc.TotalSteps)
	invariant(inc.CurrentStep >= 1 && inc.CurrentStep <= inc.TotalSteps, "incident %s current step %d out of range [1,%d]", inc.ID, inc.CurrentStep, inc.TotalSteps)
	invariant(inc.CurrentStep <= inc.FrontierStep && inc.FrontierStep <= inc.TotalSteps,
		"incident %s current step %d beyond frontier %d", inc.ID, inc.CurrentStep, inc.FrontierStep)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
