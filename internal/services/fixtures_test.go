package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/complyops/playbook-runner/internal/database"
	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []playbook.Event
}

func (n *recordingNotifier) Notify(_ context.Context, events []playbook.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return nil
}

func (n *recordingNotifier) types() []playbook.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]playbook.EventType, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived map[string][]byte
}

func (a *fakeArchiver) Archive(_ context.Context, incidentID, digest string, canonical []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archived == nil {
		a.archived = make(map[string][]byte)
	}
	a.archived[incidentID] = canonical
	return "mem://" + incidentID + "/" + digest, nil
}

func coolerTemplate() *playbook.Template {
	return &playbook.Template{
		ID:              "walk-in-cooler-failure",
		Version:         "2.0.0",
		Title:           "Walk-in Cooler Failure",
		Severity:        playbook.SeverityHigh,
		Category:        "equipment",
		RegulatoryBasis: "FDA Food Code 3-501.16",
		Steps: []playbook.StepDefinition{
			{StepNumber: 1, Title: "Secure the unit", ActionItems: []playbook.ActionItem{{ID: "close-door", Label: "Close the door", Required: true}}},
			{StepNumber: 2, Title: "Evaluate food", TriggersDisposition: true},
			{StepNumber: 3, Title: "Service call"},
		},
	}
}

type testService struct {
	*IncidentService
	store    *database.MemoryStore
	notifier *recordingNotifier
	archiver *fakeArchiver
	ledger   *ReportLedger
	metrics  *Metrics
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	logger := zap.NewNop().Sugar()

	lib, err := NewTemplateLibrary(logger)
	require.NoError(t, err)
	require.NoError(t, lib.Register(coolerTemplate(), "test"))

	ts := &testService{
		store:    database.NewMemoryStore(),
		notifier: &recordingNotifier{},
		archiver: &fakeArchiver{},
		ledger:   NewReportLedger(logger),
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	ts.IncidentService = NewIncidentService(IncidentServiceConfig{
		Store:        ts.store,
		Templates:    lib,
		Ledger:       ts.ledger,
		Notifier:     MultiNotifier{ts.notifier, ts.metrics},
		Archiver:     ts.archiver,
		Metrics:      ts.metrics,
		TickInterval: time.Hour,
		Clock:        func() time.Time { return testNow },
	}, logger)
	t.Cleanup(ts.Close)
	return ts
}
