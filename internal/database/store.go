package database

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultActivityLimit caps activity listings that ask for no limit.
const DefaultActivityLimit = 500

func activityLimit(limit int) int {
	if limit <= 0 || limit > DefaultActivityLimit {
		return DefaultActivityLimit
	}
	return limit
}

// IncidentRecord is a persisted runner snapshot. Snapshot is opaque JSON.
type IncidentRecord struct {
	ID         string
	TemplateID string
	Status     string
	Snapshot   []byte
	UpdatedAt  time.Time
}

// ReportRecord is a finalized report in canonical form. Reports are written
// once and never updated.
type ReportRecord struct {
	IncidentID  string
	Digest      string
	Canonical   []byte
	FinalizedAt time.Time
}

// ActivityRecord is one entry of an incident's activity trail.
type ActivityRecord struct {
	ID         int64     `json:"id"`
	IncidentID string    `json:"incident_id"`
	Type       string    `json:"type"`
	Step       int       `json:"step,omitempty"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists incidents, reports and activity.
type Store interface {
	SaveIncident(ctx context.Context, rec IncidentRecord) error
	GetIncident(ctx context.Context, id string) (*IncidentRecord, error)
	// ListIncidents returns incidents with the given status, or all when status is empty.
	ListIncidents(ctx context.Context, status string) ([]IncidentRecord, error)

	SaveReport(ctx context.Context, rec ReportRecord) error
	GetReport(ctx context.Context, incidentID string) (*ReportRecord, error)
	// ListReportDigests returns every report digest in finalization order.
	ListReportDigests(ctx context.Context) ([]string, error)

	AppendActivity(ctx context.Context, rec ActivityRecord) error
	// ListActivity returns the newest entries first; an empty incidentID spans all incidents.
	ListActivity(ctx context.Context, incidentID string, limit int) ([]ActivityRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore keeps everything in process. Used in development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]IncidentRecord
	reports   map[string]ReportRecord
	activity  []ActivityRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]IncidentRecord),
		reports:   make(map[string]ReportRecord),
	}
}

func (m *MemoryStore) SaveIncident(_ context.Context, rec IncidentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Snapshot = append([]byte(nil), rec.Snapshot...)
	m.incidents[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetIncident(_ context.Context, id string) (*IncidentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Snapshot = append([]byte(nil), rec.Snapshot...)
	return &rec, nil
}

func (m *MemoryStore) ListIncidents(_ context.Context, status string) ([]IncidentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IncidentRecord, 0, len(m.incidents))
	for _, rec := range m.incidents {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveReport(_ context.Context, rec ReportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reports[rec.IncidentID]; exists {
		return nil
	}
	rec.Canonical = append([]byte(nil), rec.Canonical...)
	m.reports[rec.IncidentID] = rec
	return nil
}

func (m *MemoryStore) GetReport(_ context.Context, incidentID string) (*ReportRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.reports[incidentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) ListReportDigests(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]ReportRecord, 0, len(m.reports))
	for _, rec := range m.reports {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].FinalizedAt.Equal(recs[j].FinalizedAt) {
			return recs[i].FinalizedAt.Before(recs[j].FinalizedAt)
		}
		return recs[i].IncidentID < recs[j].IncidentID
	})
	digests := make([]string, len(recs))
	for i, rec := range recs {
		digests[i] = rec.Digest
	}
	return digests, nil
}

func (m *MemoryStore) AppendActivity(_ context.Context, rec ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.activity) + 1)
	m.activity = append(m.activity, rec)
	return nil
}

func (m *MemoryStore) ListActivity(_ context.Context, incidentID string, limit int) ([]ActivityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = activityLimit(limit)
	var out []ActivityRecord
	for i := len(m.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if incidentID == "" || m.activity[i].IncidentID == incidentID {
			out = append(out, m.activity[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
