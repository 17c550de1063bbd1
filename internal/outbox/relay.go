// Package outbox records activities a calendar sends and announces them to
// delivery workers.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pavillion/internal/domain"
	"pavillion/internal/events"
)

var ErrMissingID = errors.New("activity has no id")

// Store persists outbox rows. repo.Repo satisfies it.
type Store interface {
	InsertOutboxMessage(ctx context.Context, m domain.OutboxMessage) error
}

type Relay struct {
	Store  Store
	Bus    *events.Bus
	Domain string
	Logger *slog.Logger
	Now    func() time.Time
}

func (r Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// AddToOutbox persists activity for calendar and then publishes
// OutboxMessageAdded. An activity whose actor is not the calendar's own actor
// URL is dropped without error. Persistence errors are returned and nothing
// is published.
func (r Relay) AddToOutbox(ctx context.Context, calendar domain.Calendar, activity domain.Activity) error {
	canonical := domain.CalendarActorURL(r.Domain, calendar.URLName)
	if activity.Actor() != canonical {
		r.logger().DebugContext(ctx, "outbox: actor mismatch, not enqueued",
			"calendar_id", calendar.ID, "expected_actor", canonical, "activity_actor", activity.Actor())
		return nil
	}
	id := activity.ID()
	if id == "" {
		return ErrMissingID
	}
	body, err := activity.Marshal()
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	msg := domain.OutboxMessage{
		ID:          id,
		Type:        activity.Type(),
		CalendarID:  calendar.ID,
		MessageTime: r.now().UTC().Format(time.RFC3339),
		Message:     body,
	}
	if err := r.Store.InsertOutboxMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist outbox message %s: %w", id, err)
	}
	if r.Bus != nil {
		r.Bus.Publish(ctx, events.Event{
			Type:       events.OutboxMessageAdded,
			MessageID:  id,
			CalendarID: calendar.ID,
			Activity:   activity,
			At:         r.now().UTC(),
		})
	}
	return nil
}
