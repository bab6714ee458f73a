package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/partnerd/pkg/models"
	"github.com/streamforge/partnerd/pkg/secrets"
)

func TestSaveAndLoadGrantRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, streamers, creds, _, _ := newTestRepos(t)

	expiry := time.Now().Add(4 * time.Hour)
	err := creds.SaveGrant(ctx, "Alice", "access-1", "refresh-1", expiry,
		[]string{"Channel:Manage:Raids", "chat:read", "chat:read"})
	require.NoError(t, err)

	grant, err := creds.LoadGrant(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "access-1", grant.AccessToken)
	assert.Equal(t, "refresh-1", grant.RefreshToken)
	assert.True(t, grant.RaidEnabled)
	assert.False(t, grant.NeedsReauth)
	assert.WithinDuration(t, expiry, grant.ExpiresAt, time.Second)
	assert.Equal(t, []string{"channel:manage:raids", "chat:read"}, grant.Scopes)

	// Side effect: streamer marked partner-verified with auto-raid on.
	s, err := streamers.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, s.PartnerActive)
	assert.True(t, s.AutoRaidEnabled)
	assert.False(t, s.VerifiedAt.IsZero())
}

func TestWriteRefreshAtomic(t *testing.T) {
	ctx := context.Background()
	_, _, creds, _, _ := newTestRepos(t)

	require.NoError(t, creds.SaveGrant(ctx, "alice", "A1", "R1", time.Now().Add(time.Hour), nil))

	newExpiry := time.Now().Add(4 * time.Hour)
	require.NoError(t, creds.WriteRefresh(ctx, "alice", "A2", "R2", newExpiry))

	grant, err := creds.LoadGrant(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "A2", grant.AccessToken)
	assert.Equal(t, "R2", grant.RefreshToken)
	assert.WithinDuration(t, newExpiry, grant.ExpiresAt, time.Second)

	assert.ErrorIs(t, creds.WriteRefresh(ctx, "nobody", "A", "R", newExpiry), ErrNotFound)
}

func TestGetScopes(t *testing.T) {
	ctx := context.Background()
	_, _, creds, _, _ := newTestRepos(t)

	scopes, err := creds.GetScopes(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, scopes)

	require.NoError(t, creds.SaveGrant(ctx, "alice", "A", "R", time.Now().Add(time.Hour),
		[]string{"chat:read", "channel:manage:raids"}))
	scopes, err = creds.GetScopes(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, []string{"channel:manage:raids", "chat:read"}, scopes)
}

func TestRevokeClearsGrantAndFlags(t *testing.T) {
	ctx := context.Background()
	_, streamers, creds, _, _ := newTestRepos(t)

	require.NoError(t, creds.SaveGrant(ctx, "alice", "A", "R", time.Now().Add(time.Hour), nil))
	require.NoError(t, creds.Revoke(ctx, "alice"))

	_, err := creds.LoadGrant(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := streamers.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, s.PartnerActive)
	assert.False(t, s.AutoRaidEnabled)
}

func TestRecordFailureStateMachine(t *testing.T) {
	ctx := context.Background()
	_, streamers, creds, _, _ := newTestRepos(t)

	require.NoError(t, creds.SaveGrant(ctx, "alice", "A", "R", time.Now().Add(time.Hour), nil))

	// First failure: count 1, grace clock starts.
	tr, err := creds.RecordFailure(ctx, "alice", "invalid_grant")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Record.FailCount)
	assert.False(t, tr.DisabledNow)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), tr.Record.GraceExpiresAt.Time, time.Minute)

	blacklisted, err := creds.IsBlacklisted(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, blacklisted)

	recent, err := creds.HasRecentFailure(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, recent)

	// Second failure inside the window increments.
	tr, err = creds.RecordFailure(ctx, "alice", "invalid_grant")
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Record.FailCount)
	assert.False(t, tr.DisabledNow)

	// Third failure reaches the threshold: auto-raid disabled on grant and
	// mirrored onto the streamer row, once.
	tr, err = creds.RecordFailure(ctx, "alice", "invalid_grant")
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Record.FailCount)
	assert.True(t, tr.DisabledNow)

	grant, err := creds.LoadGrant(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, grant.RaidEnabled)
	assert.True(t, grant.NeedsReauth)

	s, err := streamers.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, s.AutoRaidEnabled)

	blacklisted, err = creds.IsBlacklisted(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	// Blacklisted broadcasters are not "recent failures" — the cooldown
	// predicate only gates below-threshold retries.
	recent, err = creds.HasRecentFailure(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, recent)

	// A fourth failure increments past the threshold without a second
	// disable transition.
	tr, err = creds.RecordFailure(ctx, "alice", "invalid_grant")
	require.NoError(t, err)
	assert.Equal(t, 4, tr.Record.FailCount)
	assert.False(t, tr.DisabledNow)
}

func TestRecordFailureWindowReset(t *testing.T) {
	ctx := context.Background()
	db, _, creds, _, _ := newTestRepos(t)

	require.NoError(t, creds.SaveGrant(ctx, "alice", "A", "R", time.Now().Add(time.Hour), nil))

	// Reach threshold-1 inside the window.
	_, err := creds.RecordFailure(ctx, "alice", "invalid_grant")
	require.NoError(t, err)
	_, err = creds.RecordFailure(ctx, "alice", "invalid_grant")
	require.NoError(t, err)

	// Age the last failure past the 12h window, and mark admin_notified to
	// verify the reset re-arms it.
	stale := models.At(time.Now().Add(-13 * time.Hour))
	_, err = db.Exec(`UPDATE auth_failures SET last_failure_at = ?, admin_notified = 1 WHERE login = ?`,
		stale, "alice")
	require.NoError(t, err)

	// Next failure resets to 1, not 3.
	tr, err := creds.RecordFailure(ctx, "alice", "invalid_grant")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Record.FailCount)
	assert.False(t, tr.DisabledNow)
	assert.False(t, tr.Record.AdminNotified)

	grant, err := creds.LoadGrant(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, grant.RaidEnabled)
}

func TestClearFailureAfterRecovery(t *testing.T) {
	ctx := context.Background()
	_, _, creds, _, _ := newTestRepos(t)

	require.NoError(t, creds.SaveGrant(ctx, "alice", "A", "R", time.Now().Add(time.Hour), nil))
	_, err := creds.RecordFailure(ctx, "alice", "invalid_grant")
	require.NoError(t, err)

	require.NoError(t, creds.ClearFailure(ctx, "alice"))
	_, err = creds.GetFailure(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveGrantRestoresAfterDisable(t *testing.T) {
	ctx := context.Background()
	_, streamers, creds, _, _ := newTestRepos(t)

	require.NoError(t, creds.SaveGrant(ctx, "alice", "A", "R", time.Now().Add(time.Hour), nil))
	for i := 0; i < 3; i++ {
		_, err := creds.RecordFailure(ctx, "alice", "invalid_grant")
		require.NoError(t, err)
	}

	// Re-authorization restores raid_enabled and clears the failure row.
	require.NoError(t, creds.SaveGrant(ctx, "alice", "A2", "R2", time.Now().Add(4*time.Hour), nil))

	grant, err := creds.LoadGrant(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, grant.RaidEnabled)

	_, err = creds.GetFailure(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	blacklisted, err := creds.IsBlacklisted(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, blacklisted)

	s, err := streamers.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, s.AutoRaidEnabled)
}

func TestLoadGrantDecryptFailureIsTyped(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	creds := NewCredentialRepo(db, newTestSecrets(t), testPolicy())

	require.NoError(t, creds.SaveGrant(ctx, "alice", "A", "R", time.Now().Add(time.Hour), nil))

	// A different key set cannot decrypt the stored blobs.
	other := NewCredentialRepo(db, newTestSecrets(t), testPolicy())
	_, err := other.LoadGrant(ctx, "alice")
	assert.ErrorIs(t, err, secrets.ErrKeyMissing)
}

func TestDueForRefresh(t *testing.T) {
	ctx := context.Background()
	_, _, creds, _, _ := newTestRepos(t)

	require.NoError(t, creds.SaveGrant(ctx, "soon", "A", "R", time.Now().Add(30*time.Minute), nil))
	require.NoError(t, creds.SaveGrant(ctx, "later", "A", "R", time.Now().Add(6*time.Hour), nil))
	require.NoError(t, creds.SaveGrant(ctx, "disabled", "A", "R", time.Now().Add(10*time.Minute), nil))
	for i := 0; i < 3; i++ {
		_, err := creds.RecordFailure(ctx, "disabled", "invalid_grant")
		require.NoError(t, err)
	}

	due, err := creds.DueForRefresh(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, due)
}
