package services

import (
	"context"
	"testing"

	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountsEvents(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	events := append(sampleEvents(),
		playbook.Event{Type: playbook.EventStepSkipped, TemplateID: "power-outage", Step: 1},
		playbook.Event{Type: playbook.EventAbandoned, TemplateID: "power-outage"},
	)
	require.NoError(t, m.Notify(context.Background(), events))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IncidentsStarted.WithLabelValues("power-outage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations.WithLabelValues("power-outage", "District Manager")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepOutcomes.WithLabelValues("power-outage", "skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveIncidents))
}

func TestMetrics_ObserveReport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveReport(&playbook.IncidentReport{
		TemplateID:     "power-outage",
		Status:         playbook.StatusCompleted,
		ElapsedSeconds: 3723,
		Disposition:    &playbook.DispositionSummary{EstimatedLoss: 49.9},
	})
	m.ObserveReport(&playbook.IncidentReport{TemplateID: "power-outage", Status: playbook.StatusAbandoned})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IncidentsFinished.WithLabelValues("power-outage", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IncidentsFinished.WithLabelValues("power-outage", "abandoned")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.EstimatedLoss), "loss is only observed when a disposition exists")
	assert.Equal(t, 2, testutil.CollectAndCount(m.IncidentDuration))
}
