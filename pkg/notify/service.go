// Package notify delivers admin alerts to Slack and streamer-facing
// messages to Discord. Every method is safe to call when the corresponding
// integration is not configured; it becomes a no-op.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const slackPostTimeout = 10 * time.Second

// Service fans notifications out to the configured backends. A nil Service
// or a Service with missing backends silently no-ops, so callers never need
// to guard their notification calls.
type Service struct {
	slack   *SlackClient
	discord *DiscordClient
	logger  *slog.Logger
}

// NewService creates a notification service. Either client may be nil when
// that integration is disabled.
func NewService(slack *SlackClient, discord *DiscordClient) *Service {
	return &Service{
		slack:   slack,
		discord: discord,
		logger:  slog.Default().With("component", "notify"),
	}
}

// NotifyTokenDisabled posts the admin embed announcing that a broadcaster's
// credentials were disabled after repeated refresh failures.
func (s *Service) NotifyTokenDisabled(ctx context.Context, login, lastError string, failCount int, graceExpiresAt time.Time) error {
	if s == nil || s.slack == nil {
		return nil
	}
	blocks := BuildTokenDisabledMessage(login, lastError, failCount, graceExpiresAt)
	if err := s.slack.PostMessage(ctx, blocks, slackPostTimeout); err != nil {
		s.logger.Error("failed to post token-disabled embed", "login", login, "error", err)
		return err
	}
	return nil
}

// NotifyGraceExpired posts the admin embed announcing that a broadcaster's
// grace period lapsed without re-authorization.
func (s *Service) NotifyGraceExpired(ctx context.Context, login string) error {
	if s == nil || s.slack == nil {
		return nil
	}
	if err := s.slack.PostMessage(ctx, BuildGraceExpiredMessage(login), slackPostTimeout); err != nil {
		s.logger.Error("failed to post grace-expired embed", "login", login, "error", err)
		return err
	}
	return nil
}

// SendAuthFailureDM messages the streamer on Discord right after their
// credentials are disabled, with a fresh link to re-authorize.
func (s *Service) SendAuthFailureDM(ctx context.Context, discordUserID, login, authURL string) error {
	if s == nil || s.discord == nil || discordUserID == "" {
		return nil
	}
	msg := fmt.Sprintf(
		"Hey %s! Twitch stopped accepting our stored authorization for your channel, so auto-raids are paused.\n"+
			"Re-authorize here to turn them back on: %s", login, authURL)
	return s.discord.SendDM(ctx, discordUserID, msg)
}

// SendGraceReminderDM messages the streamer when their grace period runs out
// and the partnership role is about to be removed.
func (s *Service) SendGraceReminderDM(ctx context.Context, discordUserID, login, authURL string) error {
	if s == nil || s.discord == nil || discordUserID == "" {
		return nil
	}
	msg := fmt.Sprintf(
		"Hi %s, your re-authorization window has ended and the partner role was removed.\n"+
			"You can re-link any time to get it back: %s", login, authURL)
	return s.discord.SendDM(ctx, discordUserID, msg)
}

// GrantPartnerRole gives the streamer the Discord partner role.
func (s *Service) GrantPartnerRole(ctx context.Context, discordUserID string) error {
	if s == nil || s.discord == nil || discordUserID == "" {
		return nil
	}
	return s.discord.GrantPartnerRole(ctx, discordUserID)
}

// RemovePartnerRole takes the Discord partner role away.
func (s *Service) RemovePartnerRole(ctx context.Context, discordUserID string) error {
	if s == nil || s.discord == nil || discordUserID == "" {
		return nil
	}
	return s.discord.RemovePartnerRole(ctx, discordUserID)
}
