package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthorizeURL builds the user-facing OAuth authorization URL for the
// registered redirect URI. state must be an unguessable nonce; the callback
// handler verifies it before exchanging the code.
func (c *Client) AuthorizeURL(state string, scopes []string) string {
	conf := c.oauthConfig(scopes)
	return conf.AuthCodeURL(state)
}

// ExchangeCode swaps an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (TokenPair, error) {
	conf := c.oauthConfig(nil)
	tok, err := conf.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return TokenPair{}, classifyOAuthError(err)
	}
	return tokenPairFrom(tok), nil
}

// Refresh exchanges a refresh token for a fresh pair. The platform rotates
// refresh tokens, so the returned pair must always be persisted atomically.
//
// Only an invalid-grant response returns ErrInvalidGrant; every other
// failure (network, 5xx, rate limit) is transient and must not count
// toward the credential failure threshold.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	conf := c.oauthConfig(nil)
	src := conf.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenPair{}, classifyOAuthError(err)
	}
	return tokenPairFrom(tok), nil
}

func (c *Client) oauthConfig(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.authBase + "/oauth2/authorize",
			TokenURL:  c.authBase + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// oauthContext pins the oauth2 transport to our shared HTTP client so every
// token call inherits its timeout.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// appTokenSource builds the cached client-credentials source used for
// polling endpoints that accept an app access token.
func (c *Client) appTokenSource() oauth2.TokenSource {
	conf := &clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     c.authBase + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return conf.TokenSource(c.oauthContext(context.Background()))
}

func tokenPairFrom(tok *oauth2.Token) TokenPair {
	pair := TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}
	// Twitch returns granted scopes in the token response body.
	switch scopes := tok.Extra("scope").(type) {
	case []any:
		for _, s := range scopes {
			if str, ok := s.(string); ok {
				pair.Scopes = append(pair.Scopes, strings.ToLower(str))
			}
		}
	case string:
		for _, s := range strings.Fields(scopes) {
			pair.Scopes = append(pair.Scopes, strings.ToLower(s))
		}
	}
	return pair
}

// classifyOAuthError maps token-endpoint failures to error classes.
// The identity service signals a dead refresh grant either with the
// standard "invalid_grant" error code or with a message containing
// "invalid refresh token"; everything else is transient or rate limiting.
func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return classifyTransport(err)
	}

	body := strings.ToLower(string(retrieveErr.Body))
	if retrieveErr.ErrorCode == "invalid_grant" || strings.Contains(body, "invalid refresh token") {
		return fmt.Errorf("%w: %s", ErrInvalidGrant, strings.TrimSpace(string(retrieveErr.Body)))
	}

	status := 0
	if retrieveErr.Response != nil {
		status = retrieveErr.Response.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (HTTP %d)", ErrRateLimited, status)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrTransient, status, strings.TrimSpace(string(retrieveErr.Body)))
	}
}
