package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/complyops/playbook-runner/internal/database"
	"github.com/complyops/playbook-runner/internal/playbook"
	"go.uber.org/zap"
)

// ActivityLogService keeps the per-incident activity trail. It receives the
// runner event stream like any other notifier and persists every event.
type ActivityLogService struct {
	store  database.Store
	logger *zap.SugaredLogger
}

// NewActivityLogService creates a new activity log service
func NewActivityLogService(store database.Store, logger *zap.SugaredLogger) *ActivityLogService {
	return &ActivityLogService{store: store, logger: logger}
}

// Notify records each event as one activity entry.
func (s *ActivityLogService) Notify(ctx context.Context, events []playbook.Event) error {
	for _, ev := range events {
		detail, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal activity: %w", err)
		}
		err = s.store.AppendActivity(ctx, database.ActivityRecord{
			IncidentID: ev.IncidentID,
			Type:       string(ev.Type),
			Step:       ev.Step,
			Detail:     string(detail),
			CreatedAt:  ev.At,
		})
		if err != nil {
			return fmt.Errorf("insert activity log: %w", err)
		}
	}
	return nil
}

// FetchByIncident returns an incident's activity, newest first.
func (s *ActivityLogService) FetchByIncident(ctx context.Context, incidentID string, limit int) ([]database.ActivityRecord, error) {
	logs, err := s.store.ListActivity(ctx, incidentID, limit)
	if err != nil {
		return nil, err
	}
	return orEmpty(logs), nil
}

// FetchRecent returns recent activity across all incidents.
func (s *ActivityLogService) FetchRecent(ctx context.Context, limit int) ([]database.ActivityRecord, error) {
	logs, err := s.store.ListActivity(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	return orEmpty(logs), nil
}

func orEmpty(logs []database.ActivityRecord) []database.ActivityRecord {
	if logs == nil {
		return []database.ActivityRecord{}
	}
	return logs
}
