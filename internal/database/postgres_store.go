package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	snapshot    JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS incidents_status_idx ON incidents (status);

CREATE TABLE IF NOT EXISTS incident_reports (
	incident_id  TEXT PRIMARY KEY REFERENCES incidents (id),
	digest       TEXT NOT NULL,
	canonical    BYTEA NOT NULL,
	finalized_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS incident_activity (
	id          BIGSERIAL PRIMARY KEY,
	incident_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	step        INTEGER NOT NULL DEFAULT 0,
	detail      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS incident_activity_incident_idx ON incident_activity (incident_id, id DESC);
`

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveIncident(ctx context.Context, rec IncidentRecord) error {
	query := `
		INSERT INTO incidents (id, template_id, status, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.Exec(ctx, query, rec.ID, rec.TemplateID, rec.Status, rec.Snapshot, rec.UpdatedAt); err != nil {
		return fmt.Errorf("upsert incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*IncidentRecord, error) {
	query := `SELECT id, template_id, status, snapshot, updated_at FROM incidents WHERE id = $1`

	var rec IncidentRecord
	err := s.db.QueryRow(ctx, query, id).Scan(&rec.ID, &rec.TemplateID, &rec.Status, &rec.Snapshot, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select incident: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListIncidents(ctx context.Context, status string) ([]IncidentRecord, error) {
	query := `
		SELECT id, template_id, status, snapshot, updated_at FROM incidents
		WHERE $1 = '' OR status = $1
		ORDER BY id
	`
	rows, err := s.db.Query(ctx, query, status)
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

func (s *PostgresStore) SaveReport(ctx context.Context, rec ReportRecord) error {
	query := `
		INSERT INTO incident_reports (incident_id, digest, canonical, finalized_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (incident_id) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, rec.IncidentID, rec.Digest, rec.Canonical, rec.FinalizedAt); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, incidentID string) (*ReportRecord, error) {
	query := `SELECT incident_id, digest, canonical, finalized_at FROM incident_reports WHERE incident_id = $1`

	var rec ReportRecord
	err := s.db.QueryRow(ctx, query, incidentID).Scan(&rec.IncidentID, &rec.Digest, &rec.Canonical, &rec.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select report: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListReportDigests(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT digest FROM incident_reports ORDER BY finalized_at, incident_id`)
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

func (s *PostgresStore) AppendActivity(ctx context.Context, rec ActivityRecord) error {
	query := `
		INSERT INTO incident_activity (incident_id, type, step, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.Exec(ctx, query, rec.IncidentID, rec.Type, rec.Step, rec.Detail, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, incidentID string, limit int) ([]ActivityRecord, error) {
	query := `
		SELECT id, incident_id, type, step, detail, created_at
		FROM incident_activity
		WHERE $1 = '' OR incident_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, incidentID, activityLimit(limit))
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
