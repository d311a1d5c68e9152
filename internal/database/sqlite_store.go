package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	snapshot    BLOB NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS incidents_status_idx ON incidents (status);

CREATE TABLE IF NOT EXISTS incident_reports (
	incident_id  TEXT PRIMARY KEY,
	digest       TEXT NOT NULL,
	canonical    BLOB NOT NULL,
	finalized_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS incident_activity (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	step        INTEGER NOT NULL DEFAULT 0,
	detail      TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS incident_activity_incident_idx ON incident_activity (incident_id, id);
`

// SQLiteStore implements Store on database/sql for single-site deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open handle, typically from OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) SaveIncident(ctx context.Context, rec IncidentRecord) error {
	query := `
		INSERT INTO incidents (id, template_id, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET status = excluded.status, snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.TemplateID, rec.Status, rec.Snapshot, rec.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert incident: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*IncidentRecord, error) {
	query := `SELECT id, template_id, status, snapshot, updated_at FROM incidents WHERE id = ?`

	var rec IncidentRecord
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.TemplateID, &rec.Status, &rec.Snapshot, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select incident: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListIncidents(ctx context.Context, status string) ([]IncidentRecord, error) {
	query := `
		SELECT id, template_id, status, snapshot, updated_at FROM incidents
		WHERE ? = '' OR status = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, status, status)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentRecord
	for rows.Next() {
		var rec IncidentRecord
		if err := rows.Scan(&rec.ID, &rec.TemplateID, &rec.Status, &rec.Snapshot, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveReport(ctx context.Context, rec ReportRecord) error {
	query := `
		INSERT INTO incident_reports (incident_id, digest, canonical, finalized_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (incident_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, rec.IncidentID, rec.Digest, rec.Canonical, rec.FinalizedAt.UTC()); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReport(ctx context.Context, incidentID string) (*ReportRecord, error) {
	query := `SELECT incident_id, digest, canonical, finalized_at FROM incident_reports WHERE incident_id = ?`

	var rec ReportRecord
	err := s.db.QueryRowContext(ctx, query, incidentID).Scan(&rec.IncidentID, &rec.Digest, &rec.Canonical, &rec.FinalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select report: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListReportDigests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT digest FROM incident_reports ORDER BY finalized_at, incident_id`)
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	defer rows.Close()

	var digests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

func (s *SQLiteStore) AppendActivity(ctx context.Context, rec ActivityRecord) error {
	query := `
		INSERT INTO incident_activity (incident_id, type, step, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, rec.IncidentID, rec.Type, rec.Step, rec.Detail, rec.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListActivity(ctx context.Context, incidentID string, limit int) ([]ActivityRecord, error) {
	query := `
		SELECT id, incident_id, type, step, detail, created_at
		FROM incident_activity
		WHERE ? = '' OR incident_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, incidentID, incidentID, activityLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var rec ActivityRecord
		if err := rows.Scan(&rec.ID, &rec.IncidentID, &rec.Type, &rec.Step, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
