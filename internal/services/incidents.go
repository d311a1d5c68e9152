// Package services contains the application layer around the playbook
// engine. Services are called by handlers and own persistence, event
// delivery and report finalization.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/complyops/playbook-runner/internal/database"
	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrIncidentNotFound is returned for an unknown incident id.
var ErrIncidentNotFound = errors.New("incident not found")

// liveIncident serializes operations, clock ticks and commits for one
// runner so snapshots reach the store in the order they were taken.
type liveIncident struct {
	mu        sync.Mutex
	runner    *playbook.Runner
	finalized bool
}

// StartRequest describes a new incident.
type StartRequest struct {
	TemplateID string
	Location   string
	Severity   playbook.Severity
	Operator   string
}

// ReportView is a compiled report with its finalization facts. Final is
// false for drafts of active incidents.
type ReportView struct {
	Report      *playbook.IncidentReport
	Final       bool
	Digest      string
	Canonical   []byte
	LedgerIndex int
}

// IncidentServiceConfig wires the service's collaborators. Archiver and
// Metrics are optional.
type IncidentServiceConfig struct {
	Store        database.Store
	Templates    *TemplateLibrary
	Ledger       *ReportLedger
	Notifier     Notifier
	Archiver     ReportArchiver
	Metrics      *Metrics
	TickInterval time.Duration
	Clock        func() time.Time
}

// IncidentService is the registry of live runners.
type IncidentService struct {
	mu        sync.RWMutex
	incidents map[string]*liveIncident

	store     database.Store
	templates *TemplateLibrary
	ledger    *ReportLedger
	notifier  Notifier
	archiver  ReportArchiver
	metrics   *Metrics
	tick      time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIncidentService creates the service. Call Close to stop the clock loops.
func NewIncidentService(cfg IncidentServiceConfig, logger *zap.SugaredLogger) *IncidentService {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = MultiNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IncidentService{
		incidents: make(map[string]*liveIncident),
		store:     cfg.Store,
		templates: cfg.Templates,
		ledger:    cfg.Ledger,
		notifier:  cfg.Notifier,
		archiver:  cfg.Archiver,
		metrics:   cfg.Metrics,
		tick:      cfg.TickInterval,
		now:       cfg.Clock,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start instantiates the latest version of a template and persists it.
func (s *IncidentService) Start(ctx context.Context, req StartRequest) (*playbook.Runner, error) {
	tpl, err := s.templates.Get(req.TemplateID)
	if err != nil {
		return nil, err
	}

	r := playbook.Start(tpl, playbook.StartParams{
		ID:          uuid.NewString(),
		Location:    req.Location,
		Severity:    req.Severity,
		InitiatedBy: req.Operator,
	}, playbook.WithClock(s.now))

	live := &liveIncident{runner: r}
	if err := s.commit(ctx, live); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.incidents[r.ID()] = live
	s.mu.Unlock()
	s.launchClock(live)

	s.logger.Infow("Incident started",
		"incident_id", r.ID(),
		"template_id", tpl.ID,
		"template_version", tpl.Version,
		"location", req.Location,
		"operator", req.Operator,
	)
	return r, nil
}

// Get returns the live runner for an incident.
func (s *IncidentService) Get(id string) (*playbook.Runner, error) {
	live, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return live.runner, nil
}

// List returns the incidents known to this process, newest first.
func (s *IncidentService) List() []*playbook.Incident {
	s.mu.RLock()
	out := make([]*playbook.Incident, 0, len(s.incidents))
	for _, live := range s.incidents {
		out = append(out, live.runner.Incident())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].InitiatedAt.Equal(out[j].InitiatedAt) {
			return out[i].InitiatedAt.After(out[j].InitiatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Apply runs one engine operation against an incident. The operation runs on
// a fork of the live runner, and the live runner adopts the result only once
// its snapshot is stored. A rejected operation or a failed save leaves the
// incident unchanged and delivers no events. On termination the report is
// finalized.
func (s *IncidentService) Apply(ctx context.Context, id string, op func(*playbook.Runner) error) (*playbook.Runner, error) {
	live, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	next := live.runner.Fork()
	if err := op(next); err != nil {
		return live.runner, err
	}
	if err := s.persist(ctx, next); err != nil {
		return live.runner, err
	}
	events := next.DrainEvents()
	live.runner.Adopt(next)
	s.deliver(ctx, events)
	return live.runner, s.finalizeOnce(ctx, live)
}

// Report returns the finalized report, or a draft while the incident is active.
func (s *IncidentService) Report(ctx context.Context, id string) (*ReportView, error) {
	live, err := s.lookup(id)
	if errors.Is(err, ErrIncidentNotFound) {
		return s.storedReport(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	if _, final := live.runner.Report(); !final {
		return &ReportView{Report: live.runner.CompileReport(), LedgerIndex: -1}, nil
	}

	// Retry a finalization that failed when the incident terminated.
	live.mu.Lock()
	err = s.finalizeOnce(ctx, live)
	live.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.storedReport(ctx, id)
}

func (s *IncidentService) storedReport(ctx context.Context, id string) (*ReportView, error) {
	rec, err := s.store.GetReport(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	var report playbook.IncidentReport
	if err := json.Unmarshal(rec.Canonical, &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &ReportView{
		Report:      &report,
		Final:       true,
		Digest:      rec.Digest,
		Canonical:   rec.Canonical,
		LedgerIndex: s.ledger.IndexOf(rec.Digest),
	}, nil
}

// Recover restores incidents from the store after a restart. Active
// incidents resume their clocks; terminal incidents whose report was never
// written are finalized now.
func (s *IncidentService) Recover(ctx context.Context) (int, error) {
	recs, err := s.store.ListIncidents(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list incidents: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		active := rec.Status == string(playbook.StatusActive)
		if !active {
			if _, err := s.store.GetReport(ctx, rec.ID); err == nil {
				continue
			} else if !errors.Is(err, database.ErrNotFound) {
				return restored, fmt.Errorf("load report: %w", err)
			}
		}

		var snap playbook.Snapshot
		if err := json.Unmarshal(rec.Snapshot, &snap); err != nil {
			s.logger.Errorw("Skipping unreadable incident snapshot", "incident_id", rec.ID, "error", err)
			continue
		}
		r, err := playbook.Restore(snap, playbook.WithClock(s.now))
		if err != nil {
			s.logger.Errorw("Skipping invalid incident snapshot", "incident_id", rec.ID, "error", err)
			continue
		}

		live := &liveIncident{runner: r}
		s.mu.Lock()
		s.incidents[r.ID()] = live
		s.mu.Unlock()

		if active {
			s.launchClock(live)
		} else if err := s.commit(ctx, live); err != nil {
			return restored, err
		}
		restored++
	}

	s.logger.Infow("Incidents recovered", "count", restored)
	return restored, nil
}

// Close stops every clock loop and waits for them to exit.
func (s *IncidentService) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *IncidentService) lookup(id string) (*liveIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live, ok := s.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	return live, nil
}

func (s *IncidentService) launchClock(live *liveIncident) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		live.runner.RunClock(s.ctx, s.tick, &live.mu, func(events []playbook.Event) {
			// Escalation flags must survive a restart.
			if err := s.persist(s.ctx, live.runner); err != nil {
				s.logger.Errorw("Failed to persist after tick", "incident_id", live.runner.ID(), "error", err)
			}
			s.deliver(s.ctx, events)
		})
	}()
}

// commit stores a runner that was built outside Apply, on start or recovery,
// then delivers its events and finalizes its report.
func (s *IncidentService) commit(ctx context.Context, live *liveIncident) error {
	live.mu.Lock()
	defer live.mu.Unlock()

	if err := s.persist(ctx, live.runner); err != nil {
		return err
	}
	s.deliver(ctx, live.runner.DrainEvents())
	return s.finalizeOnce(ctx, live)
}

// finalizeOnce finalizes the report of a terminated runner. The caller holds
// live.mu.
func (s *IncidentService) finalizeOnce(ctx context.Context, live *liveIncident) error {
	report, ok := live.runner.Report()
	if !ok || live.finalized {
		return nil
	}
	if err := s.finalize(ctx, live.runner.ID(), report); err != nil {
		return err
	}
	live.finalized = true
	return nil
}

func (s *IncidentService) persist(ctx context.Context, r *playbook.Runner) error {
	snap := r.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	err = s.store.SaveIncident(ctx, database.IncidentRecord{
		ID:         snap.Incident.ID,
		TemplateID: snap.Incident.TemplateID,
		Status:     string(snap.Incident.Status),
		Snapshot:   data,
		UpdatedAt:  s.now(),
	})
	if err != nil {
		return fmt.Errorf("save incident: %w", err)
	}
	return nil
}

// finalize stores the canonical report, appends its digest to the ledger
// and archives it. Archiving is best-effort.
func (s *IncidentService) finalize(ctx context.Context, id string, report *playbook.IncidentReport) error {
	canonical, err := playbook.EncodeReport(report)
	if err != nil {
		return err
	}
	digest := playbook.DigestCanonical(canonical)

	finalizedAt := report.InitiatedAt
	switch {
	case report.CompletedAt != nil:
		finalizedAt = *report.CompletedAt
	case report.AbandonedAt != nil:
		finalizedAt = *report.AbandonedAt
	}

	err = s.store.SaveReport(ctx, database.ReportRecord{
		IncidentID:  id,
		Digest:      digest,
		Canonical:   canonical,
		FinalizedAt: finalizedAt,
	})
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	index := s.ledger.AppendIfAbsent(digest)
	if s.metrics != nil {
		s.metrics.ObserveReport(report)
	}

	s.logger.Infow("Incident report finalized",
		"incident_id", id,
		"status", report.Status,
		"digest", digest,
		"ledger_index", index,
	)

	if s.archiver != nil {
		location, err := s.archiver.Archive(ctx, id, digest, canonical)
		if err != nil {
			s.logger.Warnw("Report archive failed", "incident_id", id, "error", err)
		} else {
			s.logger.Infow("Report archived", "incident_id", id, "location", location)
		}
	}
	return nil
}

func (s *IncidentService) deliver(ctx context.Context, events []playbook.Event) {
	if len(events) == 0 {
		return
	}
	if err := s.notifier.Notify(ctx, events); err != nil {
		s.logger.Warnw("Event delivery failed", "events", len(events), "error", err)
	}
}
