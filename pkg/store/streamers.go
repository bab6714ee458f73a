// Package store contains the durable-state repositories. Each repository
// owns its tables exclusively: credentials owns grants and failures, live
// owns live_state and sessions, raid owns history and the blacklist. The
// shared streamers table is written by the credential repository and admin
// paths and read by everyone.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/streamforge/partnerd/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// StreamerRepo manages the shared streamers table.
type StreamerRepo struct {
	db *sqlx.DB
}

// NewStreamerRepo creates a streamer repository.
func NewStreamerRepo(db *sqlx.DB) *StreamerRepo {
	return &StreamerRepo{db: db}
}

// Normalize lowercases a login; the streamers table is keyed case-insensitively.
func Normalize(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// Ensure creates the streamer row on first observation. Existing rows are
// left untouched except for a missing twitch_user_id, which is backfilled.
func (r *StreamerRepo) Ensure(ctx context.Context, login, twitchUserID string) error {
	login = Normalize(login)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO streamers (login, twitch_user_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (login) DO UPDATE SET
			twitch_user_id = CASE WHEN streamers.twitch_user_id = '' THEN excluded.twitch_user_id ELSE streamers.twitch_user_id END`,
		login, twitchUserID, models.Now())
	if err != nil {
		return fmt.Errorf("store: ensure streamer %s: %w", login, err)
	}
	return nil
}

// Get returns one streamer row.
func (r *StreamerRepo) Get(ctx context.Context, login string) (*models.Streamer, error) {
	var s models.Streamer
	err := r.db.GetContext(ctx, &s, `SELECT * FROM streamers WHERE login = ?`, Normalize(login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: streamer %s", ErrNotFound, login)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get streamer %s: %w", login, err)
	}
	return &s, nil
}

// ListPartners returns all partner-active streamers.
func (r *StreamerRepo) ListPartners(ctx context.Context) ([]models.Streamer, error) {
	var out []models.Streamer
	err := r.db.SelectContext(ctx, &out, `SELECT * FROM streamers WHERE partner_active = 1 ORDER BY login`)
	if err != nil {
		return nil, fmt.Errorf("store: list partners: %w", err)
	}
	return out, nil
}

// SetOptOut updates the partnership opt-out flag.
func (r *StreamerRepo) SetOptOut(ctx context.Context, login string, optOut bool) error {
	return r.setFlag(ctx, login, "opt_out", optOut)
}

// SetRaidMsgOptOut updates the post-raid chat message opt-out flag.
func (r *StreamerRepo) SetRaidMsgOptOut(ctx context.Context, login string, optOut bool) error {
	return r.setFlag(ctx, login, "raid_msg_opt_out", optOut)
}

// SetAutoRaid updates the auto-raid flag (admin path; the credential
// repository mirrors this flag itself on save and threshold disable).
func (r *StreamerRepo) SetAutoRaid(ctx context.Context, login string, enabled bool) error {
	return r.setFlag(ctx, login, "auto_raid_enabled", enabled)
}

func (r *StreamerRepo) setFlag(ctx context.Context, login, column string, value bool) error {
	// column is one of a fixed set of callers above, never user input.
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE streamers SET %s = ? WHERE login = ?`, column),
		value, Normalize(login))
	if err != nil {
		return fmt.Errorf("store: set %s for %s: %w", column, login, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: streamer %s", ErrNotFound, login)
	}
	return nil
}

// LinkDiscord associates a chat-platform user id with the streamer.
func (r *StreamerRepo) LinkDiscord(ctx context.Context, login, discordUserID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE streamers SET discord_user_id = ?, discord_linked_at = ? WHERE login = ?`,
		discordUserID, models.Now(), Normalize(login))
	if err != nil {
		return fmt.Errorf("store: link discord for %s: %w", login, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: streamer %s", ErrNotFound, login)
	}
	return nil
}
