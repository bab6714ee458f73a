package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/streamforge/partnerd/pkg/models"
)

// RaidRepo owns the append-only raid_history log and the raid_blacklist.
type RaidRepo struct {
	db *sqlx.DB
}

// NewRaidRepo creates a raid repository.
func NewRaidRepo(db *sqlx.DB) *RaidRepo {
	return &RaidRepo{db: db}
}

// InsertHistory appends one raid attempt. Rows are never mutated; a retried
// attempt produces an additional row.
func (r *RaidRepo) InsertHistory(ctx context.Context, entry models.RaidHistoryEntry) error {
	entry.FromLogin = Normalize(entry.FromLogin)
	entry.ToLogin = Normalize(entry.ToLogin)
	entry.CreatedAt = models.Now()
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO raid_history
			(from_login, to_login, viewers, target_started_at, candidate_pool, success, error, reason, created_at)
		VALUES
			(:from_login, :to_login, :viewers, :target_started_at, :candidate_pool, :success, :error, :reason, :created_at)`,
		entry)
	if err != nil {
		return fmt.Errorf("store: insert raid history %s->%s: %w", entry.FromLogin, entry.ToLogin, err)
	}
	return nil
}

// RecentTargets returns targets this origin successfully raided since the
// cutoff — used to enforce the re-raid cooldown.
func (r *RaidRepo) RecentTargets(ctx context.Context, fromLogin string, since time.Time) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out, `
		SELECT DISTINCT to_login FROM raid_history
		WHERE from_login = ? AND success = 1 AND created_at >= ?`,
		Normalize(fromLogin), models.At(since))
	if err != nil {
		return nil, fmt.Errorf("store: recent targets for %s: %w", fromLogin, err)
	}
	return out, nil
}

// HistoryFor returns the most recent raid attempts involving a broadcaster.
func (r *RaidRepo) HistoryFor(ctx context.Context, login string, limit int) ([]models.RaidHistoryEntry, error) {
	var out []models.RaidHistoryEntry
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM raid_history
		WHERE from_login = ? OR to_login = ?
		ORDER BY id DESC LIMIT ?`,
		Normalize(login), Normalize(login), limit)
	if err != nil {
		return nil, fmt.Errorf("store: history for %s: %w", login, err)
	}
	return out, nil
}

// CountSuccessfulRaidsTo returns how many network raids a target has
// received — used to select post-raid message wording.
func (r *RaidRepo) CountSuccessfulRaidsTo(ctx context.Context, toLogin string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM raid_history WHERE to_login = ? AND success = 1`,
		Normalize(toLogin))
	if err != nil {
		return 0, fmt.Errorf("store: count raids to %s: %w", toLogin, err)
	}
	return n, nil
}

// IsBlacklisted reports whether a target login is on the raid blacklist.
func (r *RaidRepo) IsBlacklisted(ctx context.Context, login string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM raid_blacklist WHERE login = ?`, Normalize(login))
	if err != nil {
		return false, fmt.Errorf("store: blacklist check %s: %w", login, err)
	}
	return n > 0, nil
}

// AddBlacklist records a target that refused a raid. Idempotent.
func (r *RaidRepo) AddBlacklist(ctx context.Context, login, twitchUserID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO raid_blacklist (login, twitch_user_id, added_at, reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (login) DO NOTHING`,
		Normalize(login), twitchUserID, models.Now(), reason)
	if err != nil {
		return fmt.Errorf("store: add blacklist %s: %w", login, err)
	}
	return nil
}
