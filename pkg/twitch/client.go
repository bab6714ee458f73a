// Package twitch is the outbound platform client: Helix queries for streams,
// users, and followers, the raid and chat endpoints, and the OAuth token
// exchanges. All failures are classified into the package error classes so
// callers never inspect HTTP statuses.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/streamforge/partnerd/pkg/version"
)

const (
	defaultHelixBase = "https://api.twitch.tv/helix"
	defaultAuthBase  = "https://id.twitch.tv"

	// Helix list endpoints accept at most 100 ids per call.
	maxIDsPerQuery = 100

	defaultTimeout = 15 * time.Second
)

// Config holds the settings needed to construct a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// HelixBase and AuthBase override the platform URLs for testing.
	HelixBase string
	AuthBase  string

	// HTTPClient overrides the default client (15s timeout) for testing.
	HTTPClient *http.Client
}

// Client is the shared platform client. One instance, with one underlying
// connection pool, serves every component in the process.
type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	helixBase    string
	authBase     string
	httpClient   *http.Client
	appTokens    oauth2.TokenSource
	logger       *slog.Logger
}

// NewClient creates a platform client.
func NewClient(cfg Config) *Client {
	c := &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		helixBase:    cfg.HelixBase,
		authBase:     cfg.AuthBase,
		httpClient:   cfg.HTTPClient,
		logger:       slog.Default().With("component", "twitch-client"),
	}
	if c.helixBase == "" {
		c.helixBase = defaultHelixBase
	}
	if c.authBase == "" {
		c.authBase = defaultAuthBase
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	c.appTokens = c.appTokenSource()
	return c
}

// StreamsByCategory returns live streams in the tracked category and
// language, most-viewed first (platform ordering).
func (c *Client) StreamsByCategory(ctx context.Context, gameID, language string) ([]Stream, error) {
	q := url.Values{}
	q.Set("game_id", gameID)
	q.Set("first", "100")
	if language != "" {
		q.Set("language", language)
	}
	return c.fetchStreams(ctx, q)
}

// StreamsByLogins returns the currently-live subset of the given logins.
// Logins beyond the per-query limit are fetched in batches.
func (c *Client) StreamsByLogins(ctx context.Context, logins []string) ([]Stream, error) {
	var all []Stream
	for start := 0; start < len(logins); start += maxIDsPerQuery {
		end := min(start+maxIDsPerQuery, len(logins))
		q := url.Values{}
		for _, login := range logins[start:end] {
			q.Add("user_login", strings.ToLower(login))
		}
		streams, err := c.fetchStreams(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, streams...)
	}
	return all, nil
}

func (c *Client) fetchStreams(ctx context.Context, q url.Values) ([]Stream, error) {
	var out struct {
		Data []Stream `json:"data"`
	}
	if err := c.appGet(ctx, "/streams", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// UsersByLogins resolves logins to platform user records.
func (c *Client) UsersByLogins(ctx context.Context, logins []string) ([]User, error) {
	var all []User
	for start := 0; start < len(logins); start += maxIDsPerQuery {
		end := min(start+maxIDsPerQuery, len(logins))
		q := url.Values{}
		for _, login := range logins[start:end] {
			q.Add("login", strings.ToLower(login))
		}
		var out struct {
			Data []User `json:"data"`
		}
		if err := c.appGet(ctx, "/users", q, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Data...)
	}
	return all, nil
}

// UserForToken returns the account a user access token belongs to — used
// right after the OAuth code exchange to learn who just authorized.
func (c *Client) UserForToken(ctx context.Context, accessToken string) (User, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/users", nil, accessToken, nil)
	if err != nil {
		return User{}, classifyTransport(err)
	}
	if status < 200 || status >= 300 {
		return User{}, classifyStatus(status, body)
	}
	var out struct {
		Data []User `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return User{}, fmt.Errorf("twitch: decode /users response: %w", err)
	}
	if len(out.Data) == 0 {
		return User{}, fmt.Errorf("twitch: token resolved to no user")
	}
	return out.Data[0], nil
}

// FollowerCount returns the follower total for a broadcaster. Best effort:
// callers treat an error as "count unavailable" during candidate scoring.
func (c *Client) FollowerCount(ctx context.Context, broadcasterID string) (int, error) {
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("first", "1")
	var out struct {
		Total int `json:"total"`
	}
	if err := c.appGet(ctx, "/channels/followers", q, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

// StartRaid starts a raid from one broadcaster to another, authorized by the
// origin broadcaster's user access token.
//
// A 400 response means the target does not allow raids (ErrRaidRefused);
// 429 is rate limiting, 5xx transient, anything else ErrRaidFatal.
func (c *Client) StartRaid(ctx context.Context, accessToken, fromBroadcasterID, toBroadcasterID string) error {
	q := url.Values{}
	q.Set("from_broadcaster_id", fromBroadcasterID)
	q.Set("to_broadcaster_id", toBroadcasterID)

	status, body, err := c.do(ctx, http.MethodPost, "/raids", q, accessToken, nil)
	if err != nil {
		return classifyTransport(err)
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrRaidRefused, body)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (HTTP %d)", ErrRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrTransient, status, body)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrRaidFatal, status, body)
	}
}

// SendChatMessage posts a message to a broadcaster's chat as the sender,
// authorized by the sender's user access token.
func (c *Client) SendChatMessage(ctx context.Context, accessToken, broadcasterID, senderID, message string) error {
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	}
	status, body, err := c.do(ctx, http.MethodPost, "/chat/messages", nil, accessToken, payload)
	if err != nil {
		return classifyTransport(err)
	}
	if status < 200 || status >= 300 {
		return classifyStatus(status, body)
	}
	return nil
}

// appGet performs an app-token GET and decodes the JSON response.
func (c *Client) appGet(ctx context.Context, path string, q url.Values, out any) error {
	tok, err := c.appTokens.Token()
	if err != nil {
		return classifyOAuthError(err)
	}

	status, body, err := c.do(ctx, http.MethodGet, path, q, tok.AccessToken, nil)
	if err != nil {
		return classifyTransport(err)
	}
	if status < 200 || status >= 300 {
		return classifyStatus(status, body)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("twitch: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, bearer string, payload any) (int, string, error) {
	u := c.helixBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, "", fmt.Errorf("twitch: encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("User-Agent", version.Full())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}
