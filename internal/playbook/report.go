package playbook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// SignatureRecord is the signature as it appears in the report.
type SignatureRecord struct {
	SignedBy   string    `json:"signed_by"`
	Data       []byte    `json:"data"`
	Digest     string    `json:"digest"`
	CapturedAt time.Time `json:"captured_at"`
}

// StepSummary is the final account of one step.
type StepSummary struct {
	StepNumber          int                  `json:"step_number"`
	Title               string               `json:"title"`
	State               StepState            `json:"state"`
	SkipReason          string               `json:"skip_reason,omitempty"`
	CheckedItems        int                  `json:"checked_items"`
	TotalItems          int                  `json:"total_items"`
	RequiredItems       int                  `json:"required_items"`
	PhotosTaken         int                  `json:"photos_taken"`
	PhotoRequired       bool                 `json:"photo_required"`
	Notes               string               `json:"notes,omitempty"`
	Temperatures        []TemperatureReading `json:"temperatures,omitempty"`
	Signature           *SignatureRecord     `json:"signature,omitempty"`
	TimeSpentSeconds    int64                `json:"time_spent_seconds"`
	RegulatoryReference string               `json:"regulatory_reference,omitempty"`
	StartedAt           *time.Time           `json:"started_at,omitempty"`
	ResolvedAt          *time.Time           `json:"resolved_at,omitempty"`
}

// DiscardedItem is one row of the discarded inventory table.
type DiscardedItem struct {
	FoodName    string  `json:"food_name"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	CostPerUnit float64 `json:"cost_per_unit"`
	Value       float64 `json:"value"`
}

// DispositionSummary is present only when entries exist.
type DispositionSummary struct {
	Entries       []DispositionEntry `json:"entries"`
	Discarded     []DiscardedItem    `json:"discarded"`
	EstimatedLoss float64            `json:"estimated_loss"`
}

// IncidentReport is the self-contained compliance record of an incident.
// Renderers need nothing beyond this value.
type IncidentReport struct {
	IncidentID      string     `json:"incident_id"`
	TemplateID      string     `json:"template_id"`
	TemplateVersion string     `json:"template_version"`
	TemplateTitle   string     `json:"template_title"`
	Category        string     `json:"category"`
	Severity        Severity   `json:"severity"`
	Location        string     `json:"location"`
	InitiatedBy     string     `json:"initiated_by"`
	InitiatedAt     time.Time  `json:"initiated_at"`
	Status          Status     `json:"status"`
	Partial         bool       `json:"partial"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	AbandonedAt     *time.Time `json:"abandoned_at,omitempty"`
	AbandonReason   string     `json:"abandon_reason,omitempty"`

	TotalSteps     int    `json:"total_steps"`
	StepsCompleted int    `json:"steps_completed"`
	StepsSkipped   int    `json:"steps_skipped"`
	StepsPending   int    `json:"steps_pending"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	Elapsed        string `json:"elapsed"`

	RegulatoryBasis string              `json:"regulatory_basis,omitempty"`
	Steps           []StepSummary       `json:"steps"`
	Disposition     *DispositionSummary `json:"disposition,omitempty"`
	Narrative       string              `json:"narrative"`
}

// Compile builds the report from a template, an incident and its disposition
// entries. It reads no clock: every time in the report comes from the
// incident, so compiling the same frozen incident twice yields equal reports.
func Compile(tpl *Template, inc *Incident, entries []DispositionEntry) *IncidentReport {
	invariant(tpl.TotalSteps() == inc.TotalSteps, "incident %s has %d steps, template %s has %d", inc.ID, inc.TotalSteps, tpl.ID, tpl.TotalSteps())

	r := &IncidentReport{
		IncidentID:      inc.ID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		TemplateTitle:   tpl.Title,
		Category:        tpl.Category,
		Severity:        inc.Severity,
		Location:        inc.Location,
		InitiatedBy:     inc.InitiatedBy,
		InitiatedAt:     inc.InitiatedAt.UTC(),
		Status:          inc.Status,
		Partial:         inc.Status != StatusCompleted,
		CompletedAt:     utcPtr(inc.CompletedAt),
		AbandonedAt:     utcPtr(inc.AbandonedAt),
		AbandonReason:   inc.AbandonReason,
		TotalSteps:      inc.TotalSteps,
		StepsCompleted:  inc.CountState(StepCompleted),
		StepsSkipped:    inc.CountState(StepSkipped),
		StepsPending:    inc.CountState(StepPending) + inc.CountState(StepInProgress),
		ElapsedSeconds:  int64(inc.TotalElapsed / time.Second),
		Elapsed:         formatElapsed(inc.TotalElapsed),
		RegulatoryBasis: tpl.RegulatoryBasis,
		Steps:           make([]StepSummary, 0, inc.TotalSteps),
	}

	for i := range tpl.Steps {
		def := &tpl.Steps[i]
		log := &inc.StepLogs[i]
		r.Steps = append(r.Steps, summarizeStep(def, log, inc.Status.Terminal()))
	}

	if len(entries) > 0 {
		r.Disposition = summarizeDisposition(entries)
	}
	r.Narrative = narrative(r)
	return r
}

// summarizeStep reports the step's final state. A frozen record only holds
// completed, skipped or pending steps, so the step an abandoned incident
// stopped on is pending.
func summarizeStep(def *StepDefinition, log *StepLog, frozen bool) StepSummary {
	state := log.State
	if frozen && state == StepInProgress {
		state = StepPending
	}
	s := StepSummary{
		StepNumber:          def.StepNumber,
		Title:               def.Title,
		State:               state,
		SkipReason:          log.SkipReason,
		CheckedItems:        len(log.CheckedItemIDs),
		TotalItems:          len(def.ActionItems),
		RequiredItems:       len(def.RequiredItemIDs()),
		PhotosTaken:         log.PhotosTaken,
		PhotoRequired:       def.PhotoRequired,
		Notes:               log.Notes,
		TimeSpentSeconds:    int64(log.TimeSpent / time.Second),
		RegulatoryReference: def.RegulatoryReference,
		StartedAt:           utcPtr(log.StartedAt),
		ResolvedAt:          utcPtr(log.ResolvedAt),
	}
	for _, t := range log.Temperatures {
		t.RecordedAt = t.RecordedAt.UTC()
		s.Temperatures = append(s.Temperatures, t)
	}
	if log.Signature != nil {
		sum := blake2b.Sum256(log.Signature.Data)
		s.Signature = &SignatureRecord{
			SignedBy:   log.Signature.SignedBy,
			Data:       append([]byte(nil), log.Signature.Data...),
			Digest:     hex.EncodeToString(sum[:]),
			CapturedAt: log.Signature.CapturedAt.UTC(),
		}
	}
	return s
}

func summarizeDisposition(entries []DispositionEntry) *DispositionSummary {
	d := &DispositionSummary{
		Entries:       cloneEntries(entries),
		Discarded:     []DiscardedItem{},
		EstimatedLoss: EstimatedLoss(entries),
	}
	for _, e := range entries {
		if e.Decision != DecisionDiscard {
			continue
		}
		d.Discarded = append(d.Discarded, DiscardedItem{
			FoodName:    e.FoodName,
			Quantity:    e.Quantity,
			Unit:        e.Unit,
			CostPerUnit: e.CostPerUnit,
			Value:       roundCents(e.Value()),
		})
	}
	return d
}

const narrativeTimeLayout = "January 2, 2006 at 15:04 UTC"

func narrative(r *IncidentReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "On %s, %s initiated the %q response procedure at %s.",
		r.InitiatedAt.Format(narrativeTimeLayout), orDefault(r.InitiatedBy, "an unidentified operator"), r.TemplateTitle, orDefault(r.Location, "an unspecified location"))
	fmt.Fprintf(&b, " %d of %d steps were completed and %d were skipped", r.StepsCompleted, r.TotalSteps, r.StepsSkipped)
	if r.StepsPending > 0 {
		fmt.Fprintf(&b, ", with %d not performed", r.StepsPending)
	}
	b.WriteString(".")

	switch r.Status {
	case StatusCompleted:
		fmt.Fprintf(&b, " The procedure was completed on %s after %s of active response time.",
			r.CompletedAt.Format(narrativeTimeLayout), r.Elapsed)
	case StatusAbandoned:
		fmt.Fprintf(&b, " The procedure was abandoned on %s after %s of active response time. Reason given: %q.",
			r.AbandonedAt.Format(narrativeTimeLayout), r.Elapsed, r.AbandonReason)
	default:
		fmt.Fprintf(&b, " The procedure is in progress with %s of active response time recorded.", r.Elapsed)
	}

	if r.RegulatoryBasis != "" {
		fmt.Fprintf(&b, " This record is maintained pursuant to %s.", r.RegulatoryBasis)
	}
	if r.Disposition != nil {
		fmt.Fprintf(&b, " %d perishable items were evaluated; %d were discarded for an estimated loss of $%.2f.",
			len(r.Disposition.Entries), len(r.Disposition.Discarded), r.Disposition.EstimatedLoss)
	}
	return b.String()
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// EncodeReport returns the RFC 8785 canonical JSON form of the report.
func EncodeReport(r *IncidentReport) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize report: %w", err)
	}
	return canonical, nil
}

// DigestCanonical returns the SHA-256 hex digest of NFC-normalized canonical bytes.
func DigestCanonical(canonical []byte) string {
	sum := sha256.Sum256(norm.NFC.Bytes(canonical))
	return hex.EncodeToString(sum[:])
}

// ReportDigest encodes the report canonically and digests it.
func ReportDigest(r *IncidentReport) (string, error) {
	b, err := EncodeReport(r)
	if err != nil {
		return "", err
	}
	return DigestCanonical(b), nil
}
