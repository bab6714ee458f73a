package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// SlackClient is a thin wrapper around the slack-go SDK, posting admin
// embeds to a fixed channel.
type SlackClient struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewSlackClient creates a Slack API client.
func NewSlackClient(token, channelID string) *SlackClient {
	return &SlackClient{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// NewSlackClientWithAPIURL creates a Slack API client that targets a custom
// API URL. Useful for testing with a mock server.
func NewSlackClientWithAPIURL(token, channelID, apiURL string) *SlackClient {
	return &SlackClient{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack-client"),
	}
}

// PostMessage sends Block Kit blocks to the configured channel.
func (c *SlackClient) PostMessage(ctx context.Context, blocks []goslack.Block, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, c.channelID,
		goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("notify: post slack message: %w", err)
	}
	return nil
}

// BuildTokenDisabledMessage creates Block Kit blocks for the first-entry
// admin embed: a broadcaster's refresh token died and auto-raid was disabled.
func BuildTokenDisabledMessage(login, lastError string, failCount int, graceExpiresAt time.Time) []goslack.Block {
	header := fmt.Sprintf(":rotating_light: *Auto-raid disabled for `%s`*", login)
	body := fmt.Sprintf(
		"Refresh failed %d times in a row (last error: `%s`).\nGrace period ends <!date^%d^{date_short_pretty} {time}|%s>. The streamer received a re-auth DM.",
		failCount, truncate(lastError, 200), graceExpiresAt.Unix(), graceExpiresAt.UTC().Format(time.RFC3339))

	return []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false), nil, nil),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false), nil, nil),
	}
}

// BuildGraceExpiredMessage creates the second admin embed, sent when the
// grace period lapses and the partnership role is being removed.
func BuildGraceExpiredMessage(login string) []goslack.Block {
	header := fmt.Sprintf(":hourglass: *Grace period expired for `%s`*", login)
	body := "A reminder DM was sent and the partnership role is being removed. Re-authorization restores everything."

	return []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false), nil, nil),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false), nil, nil),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
