package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/streamforge/partnerd/pkg/models"
)

// Retention checkpoints computed at session close.
var retentionMarks = []struct {
	minutes float64
	column  string
}{
	{5, "retention_5m"},
	{10, "retention_10m"},
	{20, "retention_20m"},
}

// LiveRepo owns the live_state, stream_sessions, session_samples, and
// session_chatters tables.
type LiveRepo struct {
	db *sqlx.DB
}

// NewLiveRepo creates a live-state repository.
func NewLiveRepo(db *sqlx.DB) *LiveRepo {
	return &LiveRepo{db: db}
}

// GetState returns the liveness row for a broadcaster, or ErrNotFound.
func (r *LiveRepo) GetState(ctx context.Context, login string) (*models.LiveState, error) {
	var st models.LiveState
	err := r.db.GetContext(ctx, &st, `SELECT * FROM live_state WHERE login = ?`, Normalize(login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: live state %s", ErrNotFound, login)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get live state %s: %w", login, err)
	}
	return &st, nil
}

// ListLive returns all broadcasters currently marked live.
func (r *LiveRepo) ListLive(ctx context.Context) ([]models.LiveState, error) {
	var out []models.LiveState
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM live_state WHERE is_live = 1 ORDER BY login`); err != nil {
		return nil, fmt.Errorf("store: list live: %w", err)
	}
	return out, nil
}

// OpenSessions returns sessions with no ended_at — used for rehydration on
// process restart.
func (r *LiveRepo) OpenSessions(ctx context.Context) ([]models.StreamSession, error) {
	var out []models.StreamSession
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM stream_sessions WHERE ended_at IS NULL ORDER BY id`); err != nil {
		return nil, fmt.Errorf("store: list open sessions: %w", err)
	}
	return out, nil
}

// LatestSession returns the newest session row (open or closed) for a login.
func (r *LiveRepo) LatestSession(ctx context.Context, login string) (*models.StreamSession, error) {
	var s models.StreamSession
	err := r.db.GetContext(ctx, &s,
		`SELECT * FROM stream_sessions WHERE login = ? ORDER BY id DESC LIMIT 1`, Normalize(login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sessions for %s", ErrNotFound, login)
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest session %s: %w", login, err)
	}
	return &s, nil
}

// RecentSessions returns the newest sessions for a login, newest first.
func (r *LiveRepo) RecentSessions(ctx context.Context, login string, limit int) ([]models.StreamSession, error) {
	var out []models.StreamSession
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM stream_sessions WHERE login = ? ORDER BY id DESC LIMIT ?`,
		Normalize(login), limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent sessions %s: %w", login, err)
	}
	return out, nil
}

// GetSession returns one session row.
func (r *LiveRepo) GetSession(ctx context.Context, sessionID int64) (*models.StreamSession, error) {
	var s models.StreamSession
	err := r.db.GetContext(ctx, &s, `SELECT * FROM stream_sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %d: %w", sessionID, err)
	}
	return &s, nil
}

// OpenSession opens a stream session on the offline→online transition: the
// session row is inserted open-ended, the start viewer count becomes the
// first sample, and the live_state row flips to live — all in one
// transaction, so a sample can never precede its session.
func (r *LiveRepo) OpenSession(ctx context.Context, login string, startedAt time.Time, title, category string, viewers int) (int64, error) {
	login = Normalize(login)
	now := models.Now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin open session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO stream_sessions (login, started_at, start_viewers, peak_viewers, end_viewers, sample_count)
		VALUES (?, ?, ?, ?, ?, 1)`,
		login, models.At(startedAt), viewers, viewers, viewers)
	if err != nil {
		return 0, fmt.Errorf("store: insert session for %s: %w", login, err)
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: session id for %s: %w", login, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_samples (session_id, sampled_at, minutes_from_start, viewers)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, sampled_at) DO NOTHING`,
		sessionID, now, now.Sub(startedAt).Minutes(), viewers)
	if err != nil {
		return 0, fmt.Errorf("store: first sample for %s: %w", login, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO live_state
			(login, is_live, active_session_id, last_title, last_category, last_viewers, last_started_at, last_seen_at, missed_polls)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (login) DO UPDATE SET
			is_live = 1,
			active_session_id = excluded.active_session_id,
			last_title = excluded.last_title,
			last_category = excluded.last_category,
			last_viewers = excluded.last_viewers,
			last_started_at = excluded.last_started_at,
			last_seen_at = excluded.last_seen_at,
			missed_polls = 0`,
		login, sessionID, title, category, viewers, models.At(startedAt), now)
	if err != nil {
		return 0, fmt.Errorf("store: set live state for %s: %w", login, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit open session for %s: %w", login, err)
	}
	return sessionID, nil
}

// RecordSample appends a viewer-count observation to an open session and
// refreshes the live_state row. The composite primary key drops duplicate
// samples; peak only moves upward.
func (r *LiveRepo) RecordSample(ctx context.Context, login string, sessionID int64, at time.Time, title, category string, viewers int) error {
	login = Normalize(login)

	var startedAt models.Time
	err := r.db.GetContext(ctx, &startedAt,
		`SELECT started_at FROM stream_sessions WHERE id = ? AND ended_at IS NULL`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: open session %d", ErrNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("store: read session %d: %w", sessionID, err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin sample: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO session_samples (session_id, sampled_at, minutes_from_start, viewers)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, sampled_at) DO NOTHING`,
		sessionID, models.At(at), at.Sub(startedAt.Time).Minutes(), viewers)
	if err != nil {
		return fmt.Errorf("store: insert sample for session %d: %w", sessionID, err)
	}
	if inserted, _ := res.RowsAffected(); inserted > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE stream_sessions
			SET sample_count = sample_count + 1,
			    peak_viewers = CASE WHEN ? > peak_viewers THEN ? ELSE peak_viewers END
			WHERE id = ?`,
			viewers, viewers, sessionID)
		if err != nil {
			return fmt.Errorf("store: update session counters %d: %w", sessionID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE live_state
		SET last_title = ?, last_category = ?, last_viewers = ?, last_seen_at = ?, missed_polls = 0
		WHERE login = ?`,
		title, category, viewers, models.At(at), login)
	if err != nil {
		return fmt.Errorf("store: refresh live state %s: %w", login, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit sample for session %d: %w", sessionID, err)
	}
	return nil
}

// BumpMissedPolls increments the consecutive-absence counter for a live
// broadcaster and returns the new value.
func (r *LiveRepo) BumpMissedPolls(ctx context.Context, login string) (int, error) {
	login = Normalize(login)
	if _, err := r.db.ExecContext(ctx,
		`UPDATE live_state SET missed_polls = missed_polls + 1 WHERE login = ? AND is_live = 1`, login); err != nil {
		return 0, fmt.Errorf("store: bump missed polls %s: %w", login, err)
	}
	var n int
	if err := r.db.GetContext(ctx, &n,
		`SELECT missed_polls FROM live_state WHERE login = ?`, login); err != nil {
		return 0, fmt.Errorf("store: read missed polls %s: %w", login, err)
	}
	return n, nil
}

// CloseSession closes a session on the online→offline transition and
// computes the derived metrics from the recorded samples. The update uses
// an if-open predicate, so two concurrent close attempts converge: the
// second observes ended_at already set and returns false without mutation.
func (r *LiveRepo) CloseSession(ctx context.Context, sessionID int64, endedAt time.Time) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin close session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var session models.StreamSession
	err = tx.GetContext(ctx, &session, `SELECT * FROM stream_sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
	}
	if err != nil {
		return false, fmt.Errorf("store: read session %d: %w", sessionID, err)
	}
	if !session.EndedAt.IsZero() {
		return false, nil
	}

	var samples []models.SessionSample
	err = tx.SelectContext(ctx, &samples, `
		SELECT * FROM session_samples WHERE session_id = ? ORDER BY sampled_at`, sessionID)
	if err != nil {
		return false, fmt.Errorf("store: read samples %d: %w", sessionID, err)
	}

	m := computeCloseMetrics(session, samples, endedAt)

	res, err := tx.ExecContext(ctx, `
		UPDATE stream_sessions
		SET ended_at = ?, duration_seconds = ?, end_viewers = ?, avg_viewers = ?,
		    sample_count = ?, retention_5m = ?, retention_10m = ?, retention_20m = ?,
		    dropoff_pct = ?, dropoff_bucket = ?
		WHERE id = ? AND ended_at IS NULL`,
		models.At(endedAt), m.durationSeconds, m.endViewers, m.avgViewers,
		len(samples), m.retention5m, m.retention10m, m.retention20m,
		m.dropoffPct, m.dropoffBucket, sessionID)
	if err != nil {
		return false, fmt.Errorf("store: close session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent close.
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE live_state SET is_live = 0, active_session_id = 0, missed_polls = 0
		WHERE login = ? AND active_session_id = ?`,
		session.Login, sessionID)
	if err != nil {
		return false, fmt.Errorf("store: clear live state %s: %w", session.Login, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit close session %d: %w", sessionID, err)
	}
	return true, nil
}

type closeMetrics struct {
	durationSeconds int64
	endViewers      int
	avgViewers      float64
	retention5m     *float64
	retention10m    *float64
	retention20m    *float64
	dropoffPct      float64
	dropoffBucket   string
}

func computeCloseMetrics(session models.StreamSession, samples []models.SessionSample, endedAt time.Time) closeMetrics {
	m := closeMetrics{
		durationSeconds: int64(endedAt.Sub(session.StartedAt.Time).Seconds()),
	}

	if len(samples) > 0 {
		total := 0
		for _, s := range samples {
			total += s.Viewers
		}
		m.avgViewers = float64(total) / float64(len(samples))
		m.endViewers = samples[len(samples)-1].Viewers
	}

	peak := session.PeakViewers
	if peak > 0 {
		m.dropoffPct = float64(peak-m.endViewers) / float64(peak) * 100
	}
	m.dropoffBucket = dropoffBucket(m.dropoffPct)

	retentions := []**float64{&m.retention5m, &m.retention10m, &m.retention20m}
	for i, mark := range retentionMarks {
		if v := retentionAt(samples, mark.minutes, session.StartViewers); v != nil {
			*retentions[i] = v
		}
	}
	return m
}

// retentionAt returns viewers at the first sample at or past the mark,
// as a percentage of the start viewer count. Nil when the session never
// reached the mark or the start count is zero.
func retentionAt(samples []models.SessionSample, minutes float64, startViewers int) *float64 {
	if startViewers <= 0 {
		return nil
	}
	for _, s := range samples {
		if s.MinutesFromStart >= minutes {
			v := float64(s.Viewers) / float64(startViewers) * 100
			return &v
		}
	}
	return nil
}

func dropoffBucket(pct float64) string {
	switch {
	case pct < 10:
		return "<10%"
	case pct <= 30:
		return "10-30%"
	default:
		return ">30%"
	}
}

// UpsertChatter records the first chat message of a chatter in a session,
// or bumps their message count on subsequent messages.
func (r *LiveRepo) UpsertChatter(ctx context.Context, sessionID int64, chatterLogin string, at time.Time, firstTimeGlobal bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_chatters
			(session_id, chatter_login, first_seen_at, last_seen_at, message_count, first_time_global)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (session_id, chatter_login) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			message_count = session_chatters.message_count + 1`,
		sessionID, Normalize(chatterLogin), models.At(at), models.At(at), firstTimeGlobal)
	if err != nil {
		return fmt.Errorf("store: upsert chatter %s: %w", chatterLogin, err)
	}
	return nil
}

// IsFirstTimeChatter reports whether chatterLogin has never chatted in any
// earlier session of the given broadcaster.
func (r *LiveRepo) IsFirstTimeChatter(ctx context.Context, broadcasterLogin, chatterLogin string, currentSessionID int64) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM session_chatters sc
		JOIN stream_sessions ss ON ss.id = sc.session_id
		WHERE ss.login = ? AND sc.chatter_login = ? AND sc.session_id != ?`,
		Normalize(broadcasterLogin), Normalize(chatterLogin), currentSessionID)
	if err != nil {
		return false, fmt.Errorf("store: first-time chatter lookup %s/%s: %w", broadcasterLogin, chatterLogin, err)
	}
	return count == 0, nil
}

// TouchChatters updates last_seen for chatters still present in a
// membership poll without touching message counts.
func (r *LiveRepo) TouchChatters(ctx context.Context, sessionID int64, chatterLogins []string, at time.Time) error {
	for _, login := range chatterLogins {
		_, err := r.db.ExecContext(ctx, `
			UPDATE session_chatters SET last_seen_at = ?
			WHERE session_id = ? AND chatter_login = ?`,
			models.At(at), sessionID, Normalize(login))
		if err != nil {
			return fmt.Errorf("store: touch chatter %s: %w", login, err)
		}
	}
	return nil
}

// FinalizeChatterCounts copies chatter aggregates onto a closed session row
// (late-arriving derived metrics are the one permitted post-close write).
func (r *LiveRepo) FinalizeChatterCounts(ctx context.Context, sessionID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE stream_sessions SET
			unique_chatters = (SELECT COUNT(*) FROM session_chatters WHERE session_id = ?),
			first_time_chatters = (SELECT COUNT(*) FROM session_chatters WHERE session_id = ? AND first_time_global = 1)
		WHERE id = ?`,
		sessionID, sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("store: finalize chatter counts %d: %w", sessionID, err)
	}
	return nil
}

// PruneSamples deletes the per-poll viewer samples of sessions that ended
// before the cutoff. The session rows and their aggregates survive; only the
// raw curve data is dropped. Returns the number of samples deleted.
func (r *LiveRepo) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM session_samples WHERE session_id IN (
			SELECT id FROM stream_sessions
			WHERE ended_at IS NOT NULL AND ended_at < ?)`,
		models.At(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: prune samples: %w", err)
	}
	return res.RowsAffected()
}

// SetFollowerDelta records the session's follower change (late-arriving).
func (r *LiveRepo) SetFollowerDelta(ctx context.Context, sessionID int64, delta int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE stream_sessions SET follower_delta = ? WHERE id = ?`, delta, sessionID)
	if err != nil {
		return fmt.Errorf("store: set follower delta %d: %w", sessionID, err)
	}
	return nil
}
