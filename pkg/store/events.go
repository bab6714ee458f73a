package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/streamforge/partnerd/pkg/models"
)

// EventRepo owns the append-only platform_events history table. Inbound
// notifications the core does not otherwise consume (channel.update,
// cheers, hype trains, ...) are recorded here and never mutated.
type EventRepo struct {
	db *sqlx.DB
}

// NewEventRepo creates an event-history repository.
func NewEventRepo(db *sqlx.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Insert appends one platform event.
func (r *EventRepo) Insert(ctx context.Context, eventType, broadcasterLogin, payloadJSON string) error {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO platform_events (event_type, broadcaster_login, payload, received_at)
		VALUES (?, ?, ?, ?)`,
		eventType, Normalize(broadcasterLogin), payloadJSON, models.Now())
	if err != nil {
		return fmt.Errorf("store: insert event %s: %w", eventType, err)
	}
	return nil
}

// Recent returns the newest events of one type (or all types when empty).
func (r *EventRepo) Recent(ctx context.Context, eventType string, limit int) ([]models.PlatformEvent, error) {
	var out []models.PlatformEvent
	var err error
	if eventType == "" {
		err = r.db.SelectContext(ctx, &out,
			`SELECT * FROM platform_events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		err = r.db.SelectContext(ctx, &out,
			`SELECT * FROM platform_events WHERE event_type = ? ORDER BY id DESC LIMIT ?`, eventType, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes events received before the cutoff and returns the
// number of rows deleted.
func (r *EventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM platform_events WHERE received_at < ?`, models.At(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: delete old events: %w", err)
	}
	return res.RowsAffected()
}
