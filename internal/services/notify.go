package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier delivers drained runner events. Delivery is best-effort: a failed
// notification never affects the incident.
type Notifier interface {
	Notify(ctx context.Context, events []playbook.Event) error
}

// MultiNotifier fans events out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, events []playbook.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the structured log. Escalations log at warn.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, events []playbook.Event) error {
	for _, ev := range events {
		if ev.Type == playbook.EventEscalation {
			n.logger.Warnw("Escalation threshold reached",
				"incident_id", ev.IncidentID,
				"location", ev.Location,
				"step", ev.Step,
				"step_title", ev.StepTitle,
				"contact", ev.Contact,
				"elapsed_minutes", ev.ElapsedMinutes,
			)
			continue
		}
		n.logger.Infow("Incident event",
			"type", ev.Type,
			"incident_id", ev.IncidentID,
			"template_id", ev.TemplateID,
			"step", ev.Step,
			"reason", ev.Reason,
		)
	}
	return nil
}

// publisher is the subset of *redis.Client the notifier uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes each event as JSON on a pub/sub channel, where
// paging and dashboard subscribers pick them up.
type RedisNotifier struct {
	client  publisher
	channel string
	closer  func() error
}

// NewRedisNotifier connects to the Redis server at redisURL.
func NewRedisNotifier(redisURL, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	return &RedisNotifier{client: client, channel: channel, closer: client.Close}, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, events []playbook.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
			return fmt.Errorf("publish %s event: %w", ev.Type, err)
		}
	}
	return nil
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
