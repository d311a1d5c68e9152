package playbook

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Runner executes one incident. Operations are expected to be issued by a
// single operator; the mutex only keeps the clock tick from interleaving with
// them. Every rejected operation leaves the runner unchanged.
type Runner struct {
	mu sync.Mutex

	tpl   *Template
	inc   *Incident
	clock *Clock

	disposition       []DispositionEntry
	dispositionActive bool

	report *IncidentReport
	outbox []Event
	now    func() time.Time
	done   chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Start instantiates a template. The template is copied so later edits to
// the caller's value never reach the running incident.
func Start(tpl *Template, p StartParams, opts ...Option) *Runner {
	r := &Runner{
		tpl:   tpl.Clone(),
		clock: newClock(),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.inc = newIncident(r.tpl, p, r.now())
	r.enterStep(1)
	r.emit(Event{Type: EventStarted})
	return r
}

// ID returns the incident id.
func (r *Runner) ID() string {
	return r.inc.ID
}

// Done is closed when the incident reaches a terminal status.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Template returns a copy of the template the incident runs.
func (r *Runner) Template() *Template {
	return r.tpl.Clone()
}

// Incident returns a copy of the current incident state.
func (r *Runner) Incident() *Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inc.Clone()
}

// Clock returns the current clock readings.
func (r *Runner) Clock() ClockState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.state()
}

// DrainEvents returns and clears the pending events.
func (r *Runner) DrainEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outbox
	r.outbox = nil
	return out
}

// ToggleActionItem flips itemID in the step's checked set. Any visited step
// may be corrected; completion facts are not affected.
func (r *Runner) ToggleActionItem(stepNumber int, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, log, err := r.visitedStep(stepNumber)
	if err != nil {
		return err
	}
	if _, ok := def.ActionItem(itemID); !ok {
		return newError(CodeUnknownActionItem, stepNumber, "action item %q does not exist", itemID)
	}

	if log.Checked(itemID) {
		kept := log.CheckedItemIDs[:0]
		for _, id := range log.CheckedItemIDs {
			if id != itemID {
				kept = append(kept, id)
			}
		}
		log.CheckedItemIDs = kept
		return nil
	}

	// Rebuild in authored order so the log is stable regardless of click order.
	checked := make([]string, 0, len(log.CheckedItemIDs)+1)
	for _, item := range def.ActionItems {
		if item.ID == itemID || log.Checked(item.ID) {
			checked = append(checked, item.ID)
		}
	}
	log.CheckedItemIDs = checked
	return nil
}

// CapturePhoto records one more photo for the step.
func (r *Runner) CapturePhoto(stepNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, log, err := r.visitedStep(stepNumber)
	if err != nil {
		return err
	}
	log.PhotosTaken++
	return nil
}

// RecordNote overwrites the step's notes.
func (r *Runner) RecordNote(stepNumber int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, log, err := r.visitedStep(stepNumber)
	if err != nil {
		return err
	}
	log.Notes = text
	return nil
}

// CaptureTemperature appends a reading to the current step. Unit defaults to "F".
func (r *Runner) CaptureTemperature(value float64, unit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkActive(); err != nil {
		return err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return newError(CodeInvalidTemperature, r.inc.CurrentStep, "temperature must be a finite number")
	}
	if unit == "" {
		unit = "F"
	}
	log := r.currentLog()
	log.Temperatures = append(log.Temperatures, TemperatureReading{Value: value, Unit: unit, RecordedAt: r.now()})
	return nil
}

// CaptureSignature attaches a signature blob to the current step. Signatures
// are offered on the final step only and never gate its completion.
func (r *Runner) CaptureSignature(signedBy string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkActive(); err != nil {
		return err
	}
	if r.inc.CurrentStep != r.inc.TotalSteps {
		return newError(CodeSignatureNotOffered, r.inc.CurrentStep, "signature is captured on step %d only", r.inc.TotalSteps)
	}
	if len(data) == 0 {
		return newError(CodeSignatureNotOffered, r.inc.CurrentStep, "signature data is empty")
	}
	r.currentLog().Signature = &Signature{
		SignedBy:   signedBy,
		Data:       append([]byte(nil), data...),
		CapturedAt: r.now(),
	}
	return nil
}

// CompleteStep marks the active step Completed once every required action
// item is checked and, when required, a photo was taken. Completing the last
// step completes the incident and compiles its report.
func (r *Runner) CompleteStep(stepNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, log, err := r.activeStep(stepNumber)
	if err != nil {
		return err
	}

	var missing []string
	for _, id := range def.RequiredItemIDs() {
		if !log.Checked(id) {
			missing = append(missing, id)
		}
	}
	missingPhoto := def.PhotoRequired && log.PhotosTaken < 1
	if len(missing) > 0 || missingPhoto {
		return incompleteError(stepNumber, missing, missingPhoto)
	}

	r.resolve(stepNumber, StepCompleted, "")
	return nil
}

// SkipStep marks the active step Skipped with a mandatory reason, then
// advances exactly as CompleteStep does.
func (r *Runner) SkipStep(stepNumber int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, _, err := r.activeStep(stepNumber); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return newError(CodeMissingSkipReason, stepNumber, "a reason is required to skip step %d", stepNumber)
	}

	r.resolve(stepNumber, StepSkipped, reason)
	return nil
}

// NavigateTo moves the view to the current step, the frontier step or any
// Completed/Skipped step. Jumping to an unvisited step is rejected.
func (r *Runner) NavigateTo(stepNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkActive(); err != nil {
		return err
	}
	log, ok := r.inc.Log(stepNumber)
	if !ok {
		return newError(CodeInvalidNavigation, stepNumber, "step %d does not exist", stepNumber)
	}
	if stepNumber == r.inc.CurrentStep {
		return nil
	}
	if stepNumber != r.inc.FrontierStep && !log.State.Resolved() {
		return newError(CodeInvalidNavigation, stepNumber, "step %d has not been reached (frontier is step %d)", stepNumber, r.inc.FrontierStep)
	}

	r.enterStep(stepNumber)
	r.inc.checkInvariants()
	return nil
}

// Abandon terminates the incident immediately with a mandatory reason and
// compiles a partial report.
func (r *Runner) Abandon(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkActive(); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return newError(CodeMissingAbandonReason, 0, "a reason is required to abandon the incident")
	}

	now := r.now()
	r.inc.AbandonedAt = &now
	r.inc.AbandonReason = reason
	r.finish(StatusAbandoned, Event{Type: EventAbandoned, Reason: reason})
	return nil
}

// Pause stops both clocks. Pausing a paused incident is a no-op.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkActive(); err != nil {
		return err
	}
	if r.clock.pause() {
		r.emit(Event{Type: EventPaused, Step: r.inc.CurrentStep})
	}
	return nil
}

// Resume restarts both clocks where they stopped. Resuming a running
// incident is a no-op.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkActive(); err != nil {
		return err
	}
	if r.clock.resume() {
		r.emit(Event{Type: EventResumed, Step: r.inc.CurrentStep})
	}
	return nil
}

// Paused reports whether the clocks are stopped.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.paused
}

// Tick advances the clocks by d and evaluates the escalation threshold of
// the current step. A tick that arrives while an operation holds the runner,
// while paused, or after termination is dropped; it reports whether the tick
// was applied.
func (r *Runner) Tick(d time.Duration) bool {
	if !r.mu.TryLock() {
		return false
	}
	defer r.mu.Unlock()

	if r.inc.Status.Terminal() || !r.clock.advance(d) {
		return false
	}

	log := r.currentLog()
	log.TimeSpent += d

	def := r.currentDef()
	if def.HasEscalation() && !log.State.Resolved() &&
		r.clock.shouldEscalate(def.StepNumber, time.Duration(def.EscalationMinutes)*time.Minute) {
		r.emit(Event{
			Type:           EventEscalation,
			Step:           def.StepNumber,
			StepTitle:      def.Title,
			Contact:        def.EscalationContact,
			ElapsedMinutes: int(r.clock.stepElapsed / time.Minute),
		})
	}
	return true
}

// AddDispositionItem appends an entry while the current step is a
// food-evaluation step and returns its index.
func (r *Runner) AddDispositionItem(in ItemInput) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkActive(); err != nil {
		return 0, err
	}
	if !r.currentDef().TriggersDisposition {
		return 0, newError(CodeDispositionInactive, r.inc.CurrentStep, "step %d is not a food-evaluation step", r.inc.CurrentStep)
	}
	entry, err := in.entry()
	if err != nil {
		return 0, err
	}
	r.disposition = append(r.disposition, entry)
	return len(r.disposition) - 1, nil
}

// SetDecision changes the decision of an existing entry.
func (r *Runner) SetDecision(index int, d Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkActive(); err != nil {
		return err
	}
	if !r.dispositionActive {
		return newError(CodeDispositionInactive, 0, "no food-evaluation step has been reached")
	}
	if index < 0 || index >= len(r.disposition) {
		return newError(CodeUnknownDispositionEntry, 0, "disposition entry %d does not exist", index)
	}
	if !d.Valid() {
		return newError(CodeInvalidDecision, 0, "unknown decision %q", d)
	}
	r.disposition[index].Decision = d
	return nil
}

// Disposition returns a copy of the disposition entries.
func (r *Runner) Disposition() []DispositionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneEntries(r.disposition)
}

// DispositionActive reports whether a food-evaluation step has been reached.
func (r *Runner) DispositionActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispositionActive
}

// EstimatedLoss recomputes the loss from the current entries.
func (r *Runner) EstimatedLoss() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return EstimatedLoss(r.disposition)
}

// Report returns the report compiled when the incident terminated.
func (r *Runner) Report() (*IncidentReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report, r.report != nil
}

// CompileReport compiles a report from the current state. While the
// incident is active the result is a draft; once terminal it equals Report.
func (r *Runner) CompileReport() *IncidentReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.report != nil {
		return r.report
	}
	return Compile(r.tpl, r.inc, r.disposition)
}

func (r *Runner) checkActive() error {
	if r.inc.Status.Terminal() {
		return newError(CodeInstanceClosed, 0, "incident is %s", r.inc.Status)
	}
	return nil
}

// visitedStep resolves a step that the operator has already reached.
func (r *Runner) visitedStep(stepNumber int) (*StepDefinition, *StepLog, error) {
	if err := r.checkActive(); err != nil {
		return nil, nil, err
	}
	def, ok := r.tpl.Step(stepNumber)
	if !ok {
		return nil, nil, newError(CodeUnknownStep, stepNumber, "step %d does not exist", stepNumber)
	}
	log, _ := r.inc.Log(stepNumber)
	if log.State == StepPending {
		return nil, nil, newError(CodeStepNotVisited, stepNumber, "step %d has not been reached", stepNumber)
	}
	return def, log, nil
}

// activeStep resolves the frontier step, the only one that can be completed or skipped.
func (r *Runner) activeStep(stepNumber int) (*StepDefinition, *StepLog, error) {
	def, log, err := r.visitedStep(stepNumber)
	if err != nil {
		return nil, nil, err
	}
	if log.State.Resolved() {
		return nil, nil, newError(CodeStepNotActive, stepNumber, "step %d is already %s", stepNumber, log.State)
	}
	invariant(stepNumber == r.inc.FrontierStep, "incident %s step %d in progress behind frontier %d", r.inc.ID, stepNumber, r.inc.FrontierStep)
	return def, log, nil
}

func (r *Runner) currentLog() *StepLog {
	log, ok := r.inc.Log(r.inc.CurrentStep)
	invariant(ok, "incident %s current step %d has no log", r.inc.ID, r.inc.CurrentStep)
	return log
}

func (r *Runner) currentDef() *StepDefinition {
	def, ok := r.tpl.Step(r.inc.CurrentStep)
	invariant(ok, "incident %s current step %d not in template %s", r.inc.ID, r.inc.CurrentStep, r.tpl.ID)
	return def
}

// resolve closes the frontier step and either advances or completes the incident.
func (r *Runner) resolve(stepNumber int, state StepState, reason string) {
	now := r.now()
	log, _ := r.inc.Log(stepNumber)
	log.State = state
	log.SkipReason = reason
	log.ResolvedAt = &now

	def, _ := r.tpl.Step(stepNumber)
	ev := Event{Type: EventStepCompleted, Step: stepNumber, StepTitle: def.Title}
	if state == StepSkipped {
		ev.Type = EventStepSkipped
		ev.Reason = reason
	}
	r.emit(ev)

	if stepNumber == r.inc.TotalSteps {
		r.inc.CompletedAt = &now
		r.finish(StatusCompleted, Event{Type: EventCompleted})
		return
	}

	next := stepNumber + 1
	r.inc.FrontierStep = next
	nextLog, _ := r.inc.Log(next)
	nextLog.State = StepInProgress
	nextLog.StartedAt = &now
	r.enterStep(next)
	r.inc.checkInvariants()
}

// enterStep points the view at stepNumber and restarts the step clock.
// Re-entering an unresolved step starts a new threshold crossing.
func (r *Runner) enterStep(stepNumber int) {
	r.inc.CurrentStep = stepNumber
	r.clock.resetStep()
	if log, ok := r.inc.Log(stepNumber); ok && !log.State.Resolved() {
		r.clock.rearm(stepNumber)
	}
	if def, _ := r.tpl.Step(stepNumber); def.TriggersDisposition {
		r.dispositionActive = true
	}
}

func (r *Runner) finish(status Status, ev Event) {
	invariant(!r.inc.Status.Terminal(), "incident %s finished twice", r.inc.ID)
	r.inc.Status = status
	r.inc.TotalElapsed = r.clock.instanceElapsed
	r.report = Compile(r.tpl, r.inc, r.disposition)
	r.emit(ev)
	close(r.done)
}

func (r *Runner) emit(ev Event) {
	ev.IncidentID = r.inc.ID
	ev.TemplateID = r.inc.TemplateID
	ev.Location = r.inc.Location
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	r.outbox = append(r.outbox, ev)
}

// Snapshot is a deep copy of everything needed to persist and restore a runner.
type Snapshot struct {
	Template          *Template          `json:"template"`
	Incident          *Incident          `json:"incident"`
	Clock             ClockState         `json:"clock"`
	Disposition       []DispositionEntry `json:"disposition"`
	DispositionActive bool               `json:"disposition_active"`
}

// Snapshot returns the current state for an external store.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Template:          r.tpl.Clone(),
		Incident:          r.inc.Clone(),
		Clock:             r.clock.state(),
		Disposition:       cloneEntries(r.disposition),
		DispositionActive: r.dispositionActive,
	}
}

// Fork returns an independent copy of the runner with an empty outbox.
// Operations applied to the fork do not reach r until Adopt.
func (r *Runner) Fork() *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &Runner{
		tpl:               r.tpl,
		inc:               r.inc.Clone(),
		clock:             clockFromState(r.clock.state()),
		disposition:       cloneEntries(r.disposition),
		dispositionActive: r.dispositionActive,
		report:            r.report,
		now:               r.now,
		done:              make(chan struct{}),
	}
	if f.inc.Status.Terminal() {
		close(f.done)
	}
	return f
}

// Adopt replaces the runner's state with that of a fork taken from it. The
// fork's pending events are not carried over. A terminal runner is never
// reopened.
func (r *Runner) Adopt(f *Runner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	invariant(f.inc.ID == r.inc.ID, "incident %s cannot adopt state of %s", r.inc.ID, f.inc.ID)
	if r.inc.Status.Terminal() {
		invariant(f.inc.Status == r.inc.Status, "incident %s cannot be reopened", r.inc.ID)
		return
	}

	r.inc = f.inc.Clone()
	r.clock = clockFromState(f.clock.state())
	r.disposition = cloneEntries(f.disposition)
	r.dispositionActive = f.dispositionActive
	r.report = f.report
	if r.inc.Status.Terminal() {
		close(r.done)
	}
}

// Restore rebuilds a runner from a persisted snapshot. Terminal incidents are
// restored frozen with their report recompiled from the frozen state.
func Restore(s Snapshot, opts ...Option) (*Runner, error) {
	if s.Template == nil || s.Incident == nil {
		return nil, fmt.Errorf("restore: snapshot is missing template or incident")
	}
	if s.Template.TotalSteps() != s.Incident.TotalSteps || len(s.Incident.StepLogs) != s.Incident.TotalSteps {
		return nil, fmt.Errorf("restore: incident %s has %d steps, template %s has %d",
			s.Incident.ID, s.Incident.TotalSteps, s.Template.ID, s.Template.TotalSteps())
	}
	if s.Incident.CurrentStep < 1 || s.Incident.CurrentStep > s.Incident.FrontierStep || s.Incident.FrontierStep > s.Incident.TotalSteps {
		return nil, fmt.Errorf("restore: incident %s step pointers out of range", s.Incident.ID)
	}

	r := &Runner{
		tpl:               s.Template.Clone(),
		inc:               s.Incident.Clone(),
		clock:             clockFromState(s.Clock),
		disposition:       cloneEntries(s.Disposition),
		dispositionActive: s.DispositionActive,
		now:               time.Now,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.inc.Status.Terminal() {
		r.report = Compile(r.tpl, r.inc, r.disposition)
		close(r.done)
	}
	return r, nil
}

func cloneEntries(in []DispositionEntry) []DispositionEntry {
	out := make([]DispositionEntry, len(in))
	for i, e := range in {
		if e.CurrentTemp != nil {
			t := *e.CurrentTemp
			e.CurrentTemp = &t
		}
		out[i] = e
	}
	return out
}
