// Package credentials owns the OAuth grant lifecycle: keeping access tokens
// fresh, escalating refresh failures into the disable/grace state machine,
// and driving the notifications that go with each transition.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/streamforge/partnerd/pkg/store"
	"github.com/streamforge/partnerd/pkg/twitch"
)

// inlineRefreshWindow is how close to expiry a token may be before
// GetValidToken refreshes it instead of handing it out.
const inlineRefreshWindow = 5 * time.Minute

// TokenRefresher is the slice of the Twitch client the manager needs.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (twitch.TokenPair, error)
}

// Notifier is the slice of the notification service the credential
// lifecycle needs. The concrete implementation is nil-safe.
type Notifier interface {
	NotifyTokenDisabled(ctx context.Context, login, lastError string, failCount int, graceExpiresAt time.Time) error
	NotifyGraceExpired(ctx context.Context, login string) error
	SendAuthFailureDM(ctx context.Context, discordUserID, login, authURL string) error
	SendGraceReminderDM(ctx context.Context, discordUserID, login, authURL string) error
	RemovePartnerRole(ctx context.Context, discordUserID string) error
}

// Manager hands out valid access tokens and funnels every refresh,
// successful or not, through one code path. A process-wide mutex
// serializes refreshes so the background loop and request-path callers
// never burn the same refresh token twice.
type Manager struct {
	creds     *store.CredentialRepo
	streamers *store.StreamerRepo
	tw        TokenRefresher
	notifier  Notifier
	authURL   string
	logger    *slog.Logger

	mu sync.Mutex
}

// NewManager creates a credential manager. publicBaseURL is used to build
// the re-authorization link embedded in DMs.
func NewManager(creds *store.CredentialRepo, streamers *store.StreamerRepo, tw TokenRefresher, notifier Notifier, publicBaseURL string) *Manager {
	return &Manager{
		creds:     creds,
		streamers: streamers,
		tw:        tw,
		notifier:  notifier,
		authURL:   authStartURL(publicBaseURL),
		logger:    slog.Default().With("component", "credentials"),
	}
}

// authStartURL builds the re-authorization link sent in DMs.
func authStartURL(base string) string {
	return strings.TrimRight(base, "/") + "/auth/start"
}

// GetValidToken returns a usable access token for login, refreshing first
// when the stored one is expired or about to expire. Callers on the raid
// path treat any error as "this broadcaster cannot act right now".
func (m *Manager) GetValidToken(ctx context.Context, login string) (string, error) {
	grant, err := m.creds.LoadGrant(ctx, login)
	if err != nil {
		return "", err
	}
	if time.Until(grant.ExpiresAt) > inlineRefreshWindow {
		return grant.AccessToken, nil
	}

	if err := m.RefreshWithin(ctx, login, inlineRefreshWindow); err != nil {
		return "", err
	}
	grant, err = m.creds.LoadGrant(ctx, login)
	if err != nil {
		return "", err
	}
	return grant.AccessToken, nil
}

// RefreshWithin rotates the stored token pair for login if it expires
// inside the given window. Only a definitive invalid_grant rejection counts
// against the failure state machine; transient and rate-limit errors are
// returned as-is so callers retry on a later pass.
func (m *Manager) RefreshWithin(ctx context.Context, login string, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-read under the lock: a concurrent caller may have rotated the
	// pair while we waited, in which case the stored refresh token we
	// would have sent is already burned.
	grant, err := m.creds.LoadGrant(ctx, login)
	if err != nil {
		return err
	}
	if time.Until(grant.ExpiresAt) > window {
		return nil
	}

	pair, err := m.tw.Refresh(ctx, grant.RefreshToken)
	if err != nil {
		if errors.Is(err, twitch.ErrInvalidGrant) {
			m.recordAuthFailure(ctx, login, err)
			return err
		}
		m.logger.Warn("Token refresh failed transiently", "login", login, "error", err)
		return err
	}

	if err := m.creds.WriteRefresh(ctx, login, pair.AccessToken, pair.RefreshToken, pair.ExpiresAt); err != nil {
		return fmt.Errorf("credentials: persist refreshed tokens for %s: %w", login, err)
	}
	if err := m.creds.ClearFailure(ctx, login); err != nil {
		m.logger.Error("Failed to clear failure record after successful refresh", "login", login, "error", err)
	}
	m.logger.Info("Refreshed tokens", "login", login, "expires_at", pair.ExpiresAt)
	return nil
}

// recordAuthFailure advances the failure state machine and, exactly once
// per disable transition, fires the admin embed and the streamer DM.
func (m *Manager) recordAuthFailure(ctx context.Context, login string, cause error) {
	tr, err := m.creds.RecordFailure(ctx, login, cause.Error())
	if err != nil {
		m.logger.Error("Failed to record auth failure", "login", login, "error", err)
		return
	}
	m.logger.Warn("Refresh token rejected",
		"login", login,
		"fail_count", tr.Record.FailCount,
		"disabled_now", tr.DisabledNow)

	if !tr.DisabledNow {
		return
	}

	adminNotified := false
	if err := m.notifier.NotifyTokenDisabled(ctx, login, tr.Record.LastError,
		tr.Record.FailCount, tr.Record.GraceExpiresAt.Time); err == nil {
		adminNotified = true
	}

	dmSent := false
	streamer, err := m.streamers.Get(ctx, login)
	if err != nil {
		m.logger.Error("Failed to load streamer for disable DM", "login", login, "error", err)
	} else if streamer.DiscordUserID != "" {
		if err := m.notifier.SendAuthFailureDM(ctx, streamer.DiscordUserID, login, m.authURL); err != nil {
			m.logger.Error("Failed to DM streamer about disabled credentials", "login", login, "error", err)
		} else {
			dmSent = true
		}
	}

	if err := m.creds.SetFailureFlags(ctx, login, &adminNotified, &dmSent, nil, nil); err != nil {
		m.logger.Error("Failed to record notification flags", "login", login, "error", err)
	}
}
