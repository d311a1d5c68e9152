package services

import (
	"context"

	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runner's Prometheus collectors. It is fed the same event
// stream as the other notifiers.
type Metrics struct {
	IncidentsStarted  *prometheus.CounterVec
	IncidentsFinished *prometheus.CounterVec
	StepOutcomes      *prometheus.CounterVec
	Escalations       *prometheus.CounterVec
	ActiveIncidents   prometheus.Gauge
	IncidentDuration  *prometheus.HistogramVec
	EstimatedLoss     *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IncidentsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playbook_incidents_started_total",
				Help: "Incidents started, by template",
			},
			[]string{"template_id"},
		),
		IncidentsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playbook_incidents_finished_total",
				Help: "Incidents that reached a terminal status",
			},
			[]string{"template_id", "status"},
		),
		StepOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playbook_step_outcomes_total",
				Help: "Steps resolved, by outcome",
			},
			[]string{"template_id", "outcome"},
		),
		Escalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playbook_escalations_total",
				Help: "Escalation thresholds crossed",
			},
			[]string{"template_id", "contact"},
		),
		ActiveIncidents: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "playbook_active_incidents",
				Help: "Incidents currently in progress",
			},
		),
		IncidentDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "playbook_incident_active_seconds",
				Help:    "Unpaused response time of finished incidents",
				Buckets: prometheus.ExponentialBuckets(60, 2, 10),
			},
			[]string{"template_id", "status"},
		),
		EstimatedLoss: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "playbook_disposition_loss_dollars",
				Help:    "Estimated inventory loss per finished incident",
				Buckets: prometheus.ExponentialBuckets(10, 3, 8),
			},
			[]string{"template_id"},
		),
	}
}

// Notify updates counters from lifecycle and escalation events.
func (m *Metrics) Notify(_ context.Context, events []playbook.Event) error {
	for _, ev := range events {
		switch ev.Type {
		case playbook.EventStarted:
			m.IncidentsStarted.WithLabelValues(ev.TemplateID).Inc()
			m.ActiveIncidents.Inc()
		case playbook.EventStepCompleted:
			m.StepOutcomes.WithLabelValues(ev.TemplateID, "completed").Inc()
		case playbook.EventStepSkipped:
			m.StepOutcomes.WithLabelValues(ev.TemplateID, "skipped").Inc()
		case playbook.EventEscalation:
			m.Escalations.WithLabelValues(ev.TemplateID, ev.Contact).Inc()
		case playbook.EventCompleted, playbook.EventAbandoned:
			m.ActiveIncidents.Dec()
		}
	}
	return nil
}

// ObserveReport records outcome, duration and loss of a finalized incident.
func (m *Metrics) ObserveReport(r *playbook.IncidentReport) {
	m.IncidentsFinished.WithLabelValues(r.TemplateID, string(r.Status)).Inc()
	m.IncidentDuration.WithLabelValues(r.TemplateID, string(r.Status)).Observe(float64(r.ElapsedSeconds))
	if r.Disposition != nil {
		m.EstimatedLoss.WithLabelValues(r.TemplateID).Observe(r.Disposition.EstimatedLoss)
	}
}
