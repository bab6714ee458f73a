package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamforge/partnerd/pkg/version"
)

const defaultDiscordAPIBase = "https://discord.com/api/v10"

// DiscordClient talks to the Discord REST API with a bot token. It handles
// the two surfaces this service needs: user DMs and the partner guild role.
type DiscordClient struct {
	botToken string
	guildID  string
	roleID   string
	apiBase  string
	http     *http.Client
	logger   *slog.Logger
}

// DiscordConfig holds the settings for a DiscordClient.
type DiscordConfig struct {
	BotToken string
	GuildID  string
	RoleID   string

	// APIBase overrides the Discord REST endpoint. Used by tests.
	APIBase string
	// HTTPClient overrides the transport. Used by tests.
	HTTPClient *http.Client
}

// NewDiscordClient creates a Discord REST client.
func NewDiscordClient(cfg DiscordConfig) *DiscordClient {
	base := cfg.APIBase
	if base == "" {
		base = defaultDiscordAPIBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &DiscordClient{
		botToken: cfg.BotToken,
		guildID:  cfg.GuildID,
		roleID:   cfg.RoleID,
		apiBase:  base,
		http:     httpClient,
		logger:   slog.Default().With("component", "discord-client"),
	}
}

// SendDM opens (or reuses) a DM channel with the user and posts a message.
func (c *DiscordClient) SendDM(ctx context.Context, userID, content string) error {
	channelID, err := c.openDMChannel(ctx, userID)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"content": content})
	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/channels/%s/messages", channelID), body)
	if err != nil {
		return fmt.Errorf("notify: send discord dm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		// User has DMs closed. Not actionable, log and move on.
		c.logger.Warn("discord dm rejected, user has dms closed", "user_id", userID)
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: send discord dm: status %d: %s", resp.StatusCode, readBody(resp))
	}
	return nil
}

// GrantPartnerRole adds the configured partner role to a guild member.
func (c *DiscordClient) GrantPartnerRole(ctx context.Context, userID string) error {
	return c.roleRequest(ctx, http.MethodPut, userID)
}

// RemovePartnerRole removes the partner role. Removing a role from a user
// who left the guild is treated as success.
func (c *DiscordClient) RemovePartnerRole(ctx context.Context, userID string) error {
	return c.roleRequest(ctx, http.MethodDelete, userID)
}

func (c *DiscordClient) roleRequest(ctx context.Context, method, userID string) error {
	resp, err := c.do(ctx, method,
		fmt.Sprintf("/guilds/%s/members/%s/roles/%s", c.guildID, userID, c.roleID), nil)
	if err != nil {
		return fmt.Errorf("notify: discord role %s: %w", method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		// Unknown member. The user left the guild, nothing to do.
		c.logger.Info("discord member not found for role change", "user_id", userID, "method", method)
		return nil
	default:
		return fmt.Errorf("notify: discord role %s: status %d: %s", method, resp.StatusCode, readBody(resp))
	}
}

func (c *DiscordClient) openDMChannel(ctx context.Context, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"recipient_id": userID})
	resp, err := c.do(ctx, http.MethodPost, "/users/@me/channels", body)
	if err != nil {
		return "", fmt.Errorf("notify: open dm channel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("notify: open dm channel: status %d: %s", resp.StatusCode, readBody(resp))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("notify: decode dm channel: %w", err)
	}
	return out.ID, nil
}

func (c *DiscordClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	req.Header.Set("User-Agent", version.Full())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return string(b)
}
