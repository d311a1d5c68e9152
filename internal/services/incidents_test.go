package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/complyops/playbook-runner/internal/database"
	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCooler(t *testing.T, ts *testService) *playbook.Runner {
	t.Helper()
	r, err := ts.Start(context.Background(), StartRequest{
		TemplateID: "walk-in-cooler-failure",
		Location:   "Store 42",
		Operator:   "j.ortiz",
	})
	require.NoError(t, err)
	return r
}

func TestIncidentService_StartPersists(t *testing.T) {
	ts := newTestService(t)
	r := startCooler(t, ts)

	inc := r.Incident()
	assert.NotEmpty(t, inc.ID)
	assert.Equal(t, "j.ortiz", inc.InitiatedBy)
	assert.Equal(t, playbook.SeverityHigh, inc.Severity)

	rec, err := ts.store.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", rec.Status)

	var snap playbook.Snapshot
	require.NoError(t, json.Unmarshal(rec.Snapshot, &snap))
	assert.Equal(t, inc.ID, snap.Incident.ID)

	assert.Equal(t, []playbook.EventType{playbook.EventStarted}, ts.notifier.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.ActiveIncidents))
}

func TestIncidentService_UnknownTemplate(t *testing.T) {
	ts := newTestService(t)
	_, err := ts.Start(context.Background(), StartRequest{TemplateID: "nope"})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestIncidentService_ApplyRejectedOperation(t *testing.T) {
	ts := newTestService(t)
	r := startCooler(t, ts)
	before, err := ts.store.GetIncident(context.Background(), r.ID())
	require.NoError(t, err)

	_, err = ts.Apply(context.Background(), r.ID(), func(r *playbook.Runner) error { return r.CompleteStep(1) })
	assert.Equal(t, playbook.CodeIncompleteRequirements, playbook.CodeOf(err))

	after, err := ts.store.GetIncident(context.Background(), r.ID())
	require.NoError(t, err)
	assert.Equal(t, before.Snapshot, after.Snapshot)

	_, err = ts.Apply(context.Background(), "missing", func(r *playbook.Runner) error { return nil })
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

// flakyStore fails incident saves while down is set.
type flakyStore struct {
	*database.MemoryStore
	down atomic.Bool
}

func (s *flakyStore) SaveIncident(ctx context.Context, rec database.IncidentRecord) error {
	if s.down.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveIncident(ctx, rec)
}

func TestIncidentService_FailedSaveLeavesIncidentUnchanged(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	store := &flakyStore{MemoryStore: ts.store}
	ts.IncidentService.store = store

	r := startCooler(t, ts)
	id := r.ID()
	before := r.Incident()
	stored, err := ts.store.GetIncident(ctx, id)
	require.NoError(t, err)

	store.down.Store(true)
	_, err = ts.Apply(ctx, id, func(r *playbook.Runner) error { return r.SkipStep(1, "No door on this unit") })
	require.Error(t, err)
	assert.Empty(t, playbook.CodeOf(err), "storage failures are not validation errors")

	after := r.Incident()
	assert.Equal(t, 1, after.CurrentStep)
	assert.Equal(t, before.StepLogs, after.StepLogs)
	assert.Equal(t, []playbook.EventType{playbook.EventStarted}, ts.notifier.types(), "no events for a rejected operation")

	rec, err := ts.store.GetIncident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stored.Snapshot, rec.Snapshot)

	store.down.Store(false)
	_, err = ts.Apply(ctx, id, func(r *playbook.Runner) error { return r.SkipStep(1, "No door on this unit") })
	require.NoError(t, err)
	assert.Equal(t, 2, r.Incident().CurrentStep)
	assert.Equal(t, []playbook.EventType{playbook.EventStarted, playbook.EventStepSkipped}, ts.notifier.types())
}

func TestIncidentService_FailedSaveDoesNotTerminate(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	store := &flakyStore{MemoryStore: ts.store}
	ts.IncidentService.store = store

	r := startCooler(t, ts)
	store.down.Store(true)
	_, err := ts.Apply(ctx, r.ID(), func(r *playbook.Runner) error { return r.Abandon("Power restored") })
	require.Error(t, err)

	assert.Equal(t, playbook.StatusActive, r.Incident().Status)
	select {
	case <-r.Done():
		t.Fatal("runner finished although its abandon was not stored")
	default:
	}
	_, err = ts.store.GetReport(ctx, r.ID())
	assert.ErrorIs(t, err, database.ErrNotFound)

	store.down.Store(false)
	_, err = ts.Apply(ctx, r.ID(), func(r *playbook.Runner) error { return r.Abandon("Power restored") })
	require.NoError(t, err)
	view, err := ts.Report(ctx, r.ID())
	require.NoError(t, err)
	assert.True(t, view.Final)
	assert.Equal(t, playbook.StatusAbandoned, view.Report.Status)
}

func TestIncidentService_CompletionFinalizesReport(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	r := startCooler(t, ts)
	id := r.ID()

	apply := func(op func(*playbook.Runner) error) {
		t.Helper()
		_, err := ts.Apply(ctx, id, op)
		require.NoError(t, err)
	}
	apply(func(r *playbook.Runner) error { return r.ToggleActionItem(1, "close-door") })
	apply(func(r *playbook.Runner) error { return r.CompleteStep(1) })
	apply(func(r *playbook.Runner) error {
		_, err := r.AddDispositionItem(playbook.ItemInput{FoodName: "Ground Beef", Quantity: 10, Decision: playbook.DecisionDiscard})
		return err
	})

	draft, err := ts.Report(ctx, id)
	require.NoError(t, err)
	assert.False(t, draft.Final)
	assert.Equal(t, -1, draft.LedgerIndex)
	assert.Equal(t, 49.9, draft.Report.Disposition.EstimatedLoss)

	apply(func(r *playbook.Runner) error { return r.SkipStep(2, "Vendor handled disposal") })
	apply(func(r *playbook.Runner) error { return r.CompleteStep(3) })

	view, err := ts.Report(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Final)
	assert.Equal(t, 0, view.LedgerIndex)
	assert.Equal(t, playbook.DigestCanonical(view.Canonical), view.Digest)
	assert.Equal(t, playbook.StatusCompleted, view.Report.Status)
	assert.Equal(t, 1, view.Report.StepsSkipped)

	assert.Equal(t, ts.ledger.GetRoot(), view.Digest, "single leaf is the root")
	assert.Equal(t, view.Canonical, ts.archiver.archived[id])

	rec, err := ts.store.GetIncident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)

	assert.Equal(t, []playbook.EventType{
		playbook.EventStarted,
		playbook.EventStepCompleted,
		playbook.EventStepSkipped,
		playbook.EventStepCompleted,
		playbook.EventCompleted,
	}, ts.notifier.types())
	assert.Equal(t, 0.0, testutil.ToFloat64(ts.metrics.ActiveIncidents))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.IncidentsFinished.WithLabelValues("walk-in-cooler-failure", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.StepOutcomes.WithLabelValues("walk-in-cooler-failure", "skipped")))

	_, err = ts.Apply(ctx, id, func(r *playbook.Runner) error { return r.Pause() })
	assert.Equal(t, playbook.CodeInstanceClosed, playbook.CodeOf(err))
}

func TestIncidentService_RecoverRestoresActiveIncidents(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()
	r := startCooler(t, ts)
	_, err := ts.Apply(ctx, r.ID(), func(r *playbook.Runner) error { return r.RecordNote(1, "door seal torn") })
	require.NoError(t, err)

	abandoned := startCooler(t, ts)
	_, err = ts.Apply(ctx, abandoned.ID(), func(r *playbook.Runner) error { return r.Abandon("False alarm") })
	require.NoError(t, err)

	// A fresh process over the same store.
	next := newTestService(t)
	next.store = ts.store
	next.IncidentService.store = ts.store

	n, err := next.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "finalized incidents are not reloaded")

	restored, err := next.Get(r.ID())
	require.NoError(t, err)
	assert.Equal(t, "door seal torn", restored.Incident().StepLogs[0].Notes)

	_, err = next.Get(abandoned.ID())
	assert.ErrorIs(t, err, ErrIncidentNotFound)

	view, err := next.Report(ctx, abandoned.ID())
	require.NoError(t, err)
	assert.True(t, view.Final)
	assert.Equal(t, playbook.StatusAbandoned, view.Report.Status)
}

func TestIncidentService_RecoverFinalizesMissingReport(t *testing.T) {
	ts := newTestService(t)
	ctx := context.Background()

	tpl := coolerTemplate()
	r := playbook.Start(tpl, playbook.StartParams{ID: "crashed"})
	require.NoError(t, r.Abandon("Power restored"))
	data, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)
	require.NoError(t, ts.store.SaveIncident(ctx, database.IncidentRecord{ID: "crashed", TemplateID: tpl.ID, Status: "abandoned", Snapshot: data}))

	n, err := ts.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := ts.store.GetReport(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, 0, ts.ledger.IndexOf(rec.Digest))
}

func TestIncidentService_List(t *testing.T) {
	ts := newTestService(t)
	a := startCooler(t, ts)
	b := startCooler(t, ts)

	list := ts.List()
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, ids)
}
