package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/streamforge/partnerd/pkg/models"
	"github.com/streamforge/partnerd/pkg/secrets"
)

const grantsTable = "credential_grants"

// FailurePolicy holds the credential failure thresholds.
type FailurePolicy struct {
	// DisableThreshold is the consecutive-failure count at which auto-raid
	// is disabled and the grace clock starts.
	DisableThreshold int
	// Window bounds how far apart failures may be and still count as
	// consecutive.
	Window time.Duration
	// GracePeriod runs from the first failure to partnership-role removal.
	GracePeriod time.Duration
	// RetryCooldown is the minimum spacing between refresh attempts while
	// below the threshold.
	RetryCooldown time.Duration
}

// GrantData is the decrypted view of a stored grant.
type GrantData struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	RaidEnabled  bool
	NeedsReauth  bool
}

// FailureTransition describes what RecordFailure did, so the caller can
// fire the matching one-shot notifications.
type FailureTransition struct {
	Record      models.FailureRecord
	DisabledNow bool // count reached the threshold on this call
}

// CredentialRepo owns the grant and failure tables. All token columns are
// encrypted via the secret store with row-bound AAD.
type CredentialRepo struct {
	db      *sqlx.DB
	secrets *secrets.Store
	policy  FailurePolicy
}

// NewCredentialRepo creates a credential repository.
func NewCredentialRepo(db *sqlx.DB, sec *secrets.Store, policy FailurePolicy) *CredentialRepo {
	return &CredentialRepo{db: db, secrets: sec, policy: policy}
}

// Policy returns the configured failure thresholds.
func (r *CredentialRepo) Policy() FailurePolicy {
	return r.policy
}

func (r *CredentialRepo) encryptPair(login, access, refresh string) (accessEnc, refreshEnc []byte, err error) {
	accessEnc, err = r.secrets.Encrypt([]byte(access), secrets.AAD(grantsTable, "access_token_enc", login))
	if err != nil {
		return nil, nil, fmt.Errorf("store: encrypt access token for %s: %w", login, err)
	}
	refreshEnc, err = r.secrets.Encrypt([]byte(refresh), secrets.AAD(grantsTable, "refresh_token_enc", login))
	if err != nil {
		return nil, nil, fmt.Errorf("store: encrypt refresh token for %s: %w", login, err)
	}
	return accessEnc, refreshEnc, nil
}

// SaveGrant upserts the grant after a successful OAuth code exchange, in a
// single transaction: tokens are stored encrypted, needs_reauth clears, any
// failure record is removed, and the streamer row is marked partner-verified
// with auto-raid enabled.
func (r *CredentialRepo) SaveGrant(ctx context.Context, login, access, refresh string, expiresAt time.Time, scopes []string) error {
	login = Normalize(login)

	// Fail closed: nothing is written unless both fields encrypt.
	accessEnc, refreshEnc, err := r.encryptPair(login, access, refresh)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save grant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := models.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO streamers (login, partner_active, auto_raid_enabled, verified_at, created_at)
		VALUES (?, 1, 1, ?, ?)
		ON CONFLICT (login) DO UPDATE SET
			partner_active = 1,
			auto_raid_enabled = 1,
			verified_at = excluded.verified_at`,
		login, now, now)
	if err != nil {
		return fmt.Errorf("store: mark streamer verified %s: %w", login, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credential_grants
			(login, access_token_enc, refresh_token_enc, expires_at, scopes,
			 raid_enabled, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT (login) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			raid_enabled = 1,
			needs_reauth = 0,
			legacy_access_enc = NULL,
			legacy_refresh_enc = NULL,
			updated_at = excluded.updated_at`,
		login, accessEnc, refreshEnc, models.At(expiresAt), normalizeScopes(scopes), now, now)
	if err != nil {
		return fmt.Errorf("store: upsert grant %s: %w", login, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_failures WHERE login = ?`, login); err != nil {
		return fmt.Errorf("store: clear failures for %s: %w", login, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit save grant %s: %w", login, err)
	}
	return nil
}

// LoadGrant returns the decrypted grant. A decryption failure surfaces
// secrets.ErrDecryptFailed (or ErrKeyMissing); the caller must treat the
// grant as unusable and not retry.
func (r *CredentialRepo) LoadGrant(ctx context.Context, login string) (*GrantData, error) {
	login = Normalize(login)
	row, err := r.getGrantRow(ctx, login)
	if err != nil {
		return nil, err
	}

	access, err := r.secrets.Decrypt(row.AccessTokenEnc, secrets.AAD(grantsTable, "access_token_enc", login))
	if err != nil {
		return nil, fmt.Errorf("store: decrypt access token for %s: %w", login, err)
	}
	refresh, err := r.secrets.Decrypt(row.RefreshTokenEnc, secrets.AAD(grantsTable, "refresh_token_enc", login))
	if err != nil {
		return nil, fmt.Errorf("store: decrypt refresh token for %s: %w", login, err)
	}

	return &GrantData{
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		ExpiresAt:    row.ExpiresAt.Time,
		Scopes:       splitScopes(row.Scopes),
		RaidEnabled:  row.RaidEnabled,
		NeedsReauth:  row.NeedsReauth,
	}, nil
}

// WriteRefresh atomically replaces both token columns and the expiry after a
// successful refresh. If encryption of either field fails the row is not
// modified.
func (r *CredentialRepo) WriteRefresh(ctx context.Context, login, newAccess, newRefresh string, newExpiry time.Time) error {
	login = Normalize(login)

	accessEnc, refreshEnc, err := r.encryptPair(login, newAccess, newRefresh)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE credential_grants
		SET access_token_enc = ?, refresh_token_enc = ?, expires_at = ?, updated_at = ?
		WHERE login = ?`,
		accessEnc, refreshEnc, models.At(newExpiry), models.Now(), login)
	if err != nil {
		return fmt.Errorf("store: write refresh for %s: %w", login, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: grant %s", ErrNotFound, login)
	}
	return nil
}

// GetScopes returns the normalized lowercase scope set; empty on absence.
func (r *CredentialRepo) GetScopes(ctx context.Context, login string) ([]string, error) {
	var raw string
	err := r.db.GetContext(ctx, &raw,
		`SELECT scopes FROM credential_grants WHERE login = ?`, Normalize(login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get scopes for %s: %w", login, err)
	}
	return splitScopes(raw), nil
}

// Revoke deletes the grant and clears the streamer's partnership flags in
// one transaction. Role removal is the caller's responsibility (fire-and-
// forget through the role-sync collaborator).
func (r *CredentialRepo) Revoke(ctx context.Context, login string) error {
	login = Normalize(login)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin revoke: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM credential_grants WHERE login = ?`, login); err != nil {
		return fmt.Errorf("store: delete grant %s: %w", login, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_failures WHERE login = ?`, login); err != nil {
		return fmt.Errorf("store: delete failures %s: %w", login, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE streamers SET auto_raid_enabled = 0, partner_active = 0, verified_at = NULL
		WHERE login = ?`, login); err != nil {
		return fmt.Errorf("store: clear partner flags %s: %w", login, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit revoke %s: %w", login, err)
	}
	return nil
}

// IsBlacklisted reports whether the broadcaster's consecutive failures have
// reached the disable threshold.
func (r *CredentialRepo) IsBlacklisted(ctx context.Context, login string) (bool, error) {
	rec, err := r.GetFailure(ctx, Normalize(login))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.FailCount >= r.policy.DisableThreshold, nil
}

// HasRecentFailure reports whether the last failure is inside the retry
// cooldown and the broadcaster is not yet blacklisted.
func (r *CredentialRepo) HasRecentFailure(ctx context.Context, login string) (bool, error) {
	rec, err := r.GetFailure(ctx, Normalize(login))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if rec.FailCount >= r.policy.DisableThreshold {
		return false, nil
	}
	return time.Since(rec.LastFailureAt.Time) < r.policy.RetryCooldown, nil
}

// GetFailure returns the failure record for a broadcaster.
func (r *CredentialRepo) GetFailure(ctx context.Context, login string) (*models.FailureRecord, error) {
	var rec models.FailureRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM auth_failures WHERE login = ?`, Normalize(login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: failure record %s", ErrNotFound, login)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get failure %s: %w", login, err)
	}
	return &rec, nil
}

// RecordFailure applies one invalid-grant refresh failure:
//
//   - no prior record: create with count 1 and grace expiry now+grace;
//   - prior failure older than the consecutive-failure window: reset to 1
//     and clear the admin-notified flag;
//   - otherwise increment.
//
// When the count reaches the disable threshold, auto-raid is disabled on the
// grant and mirrored into the streamer row in the same transaction. The
// grant rows themselves are kept — the refresh token may still be valid for
// user-driven recovery.
func (r *CredentialRepo) RecordFailure(ctx context.Context, login, errorMsg string) (*FailureTransition, error) {
	login = Normalize(login)
	now := models.Now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin record failure: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rec models.FailureRecord
	err = tx.GetContext(ctx, &rec, `SELECT * FROM auth_failures WHERE login = ?`, login)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec = models.FailureRecord{
			Login:          login,
			FailCount:      1,
			FirstFailureAt: now,
			LastFailureAt:  now,
			GraceExpiresAt: models.At(now.Add(r.policy.GracePeriod)),
			LastError:      errorMsg,
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO auth_failures
				(login, fail_count, first_failure_at, last_failure_at, grace_expires_at, last_error)
			VALUES (:login, :fail_count, :first_failure_at, :last_failure_at, :grace_expires_at, :last_error)`,
			rec)
		if err != nil {
			return nil, fmt.Errorf("store: insert failure %s: %w", login, err)
		}
	case err != nil:
		return nil, fmt.Errorf("store: read failure %s: %w", login, err)
	default:
		if now.Sub(rec.LastFailureAt.Time) > r.policy.Window {
			// Stale streak: restart the count, keep the original grace clock
			// fields fresh, and re-arm the admin notification.
			rec.FailCount = 1
			rec.FirstFailureAt = now
			rec.GraceExpiresAt = models.At(now.Add(r.policy.GracePeriod))
			rec.AdminNotified = false
		} else {
			rec.FailCount++
		}
		rec.LastFailureAt = now
		rec.LastError = errorMsg
		_, err = tx.NamedExecContext(ctx, `
			UPDATE auth_failures
			SET fail_count = :fail_count,
			    first_failure_at = :first_failure_at,
			    last_failure_at = :last_failure_at,
			    grace_expires_at = :grace_expires_at,
			    admin_notified = :admin_notified,
			    last_error = :last_error
			WHERE login = :login`, rec)
		if err != nil {
			return nil, fmt.Errorf("store: update failure %s: %w", login, err)
		}
	}

	disabledNow := rec.FailCount == r.policy.DisableThreshold
	if rec.FailCount >= r.policy.DisableThreshold {
		if _, err := tx.ExecContext(ctx,
			`UPDATE credential_grants SET raid_enabled = 0, needs_reauth = 1, updated_at = ? WHERE login = ?`,
			now, login); err != nil {
			return nil, fmt.Errorf("store: disable grant %s: %w", login, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE streamers SET auto_raid_enabled = 0 WHERE login = ?`, login); err != nil {
			return nil, fmt.Errorf("store: mirror disable %s: %w", login, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit record failure %s: %w", login, err)
	}
	return &FailureTransition{Record: rec, DisabledNow: disabledNow}, nil
}

// ClearFailure removes the failure record after a successful refresh.
func (r *CredentialRepo) ClearFailure(ctx context.Context, login string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM auth_failures WHERE login = ?`, Normalize(login)); err != nil {
		return fmt.Errorf("store: clear failure %s: %w", login, err)
	}
	return nil
}

// SetFailureFlags updates the one-shot notification flags on a failure record.
func (r *CredentialRepo) SetFailureFlags(ctx context.Context, login string, adminNotified, userDMSent, reminderSent, roleRemoved *bool) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	for column, value := range map[string]*bool{
		"admin_notified": adminNotified,
		"user_dm_sent":   userDMSent,
		"reminder_sent":  reminderSent,
		"role_removed":   roleRemoved,
	} {
		if value != nil {
			sets = append(sets, column+" = ?")
			args = append(args, *value)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	sort.Strings(sets)
	args = append(args, Normalize(login))
	_, err := r.db.ExecContext(ctx,
		`UPDATE auth_failures SET `+strings.Join(sets, ", ")+` WHERE login = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: set failure flags %s: %w", login, err)
	}
	return nil
}

// DueForRefresh returns the logins of raid-enabled grants expiring within
// the given window, soonest first.
func (r *CredentialRepo) DueForRefresh(ctx context.Context, within time.Duration) ([]string, error) {
	var logins []string
	err := r.db.SelectContext(ctx, &logins, `
		SELECT login FROM credential_grants
		WHERE raid_enabled = 1 AND expires_at <= ?
		ORDER BY expires_at`,
		models.At(time.Now().Add(within)))
	if err != nil {
		return nil, fmt.Errorf("store: list due for refresh: %w", err)
	}
	return logins, nil
}

// ExpiredGraceRecords returns failure records past their grace expiry that
// are at or over the threshold and have not had the role removed yet.
func (r *CredentialRepo) ExpiredGraceRecords(ctx context.Context) ([]models.FailureRecord, error) {
	var out []models.FailureRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM auth_failures
		WHERE fail_count >= ? AND grace_expires_at <= ? AND role_removed = 0
		ORDER BY grace_expires_at`,
		r.policy.DisableThreshold, models.Now())
	if err != nil {
		return nil, fmt.Errorf("store: list expired grace: %w", err)
	}
	return out, nil
}

// sort scopes so GetScopes output is deterministic.
func normalizeScopes(scopes []string) string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func (r *CredentialRepo) getGrantRow(ctx context.Context, login string) (*models.Grant, error) {
	var row models.Grant
	err := r.db.GetContext(ctx, &row, `SELECT * FROM credential_grants WHERE login = ?`, login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: grant %s", ErrNotFound, login)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get grant %s: %w", login, err)
	}
	return &row, nil
}
