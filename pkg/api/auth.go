package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamforge/partnerd/pkg/store"
)

// AuthStart redirects the broadcaster to the platform consent page with a
// one-time state token.
func (s *Server) AuthStart(c *gin.Context) {
	state := uuid.NewString()

	s.mu.Lock()
	now := time.Now()
	for st, created := range s.authStates {
		if now.Sub(created) > authStateTTL {
			delete(s.authStates, st)
		}
	}
	s.authStates[state] = now
	s.mu.Unlock()

	c.Redirect(http.StatusFound, s.oauth.AuthorizeURL(state, grantScopes))
}

// AuthCallback completes the authorization: the code is exchanged for a
// token pair, the token is resolved to its owner, and the grant is stored.
func (s *Server) AuthCallback(c *gin.Context) {
	if errCode := c.Query("error"); errCode != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "authorization denied: " + errCode,
		})
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code or state"})
		return
	}
	if !s.consumeAuthState(state) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown or expired state"})
		return
	}

	ctx := c.Request.Context()
	pair, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "code exchange failed: " + err.Error()})
		return
	}
	user, err := s.oauth.UserForToken(ctx, pair.AccessToken)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "user lookup failed: " + err.Error()})
		return
	}

	login := store.Normalize(user.Login)
	if err := s.creds.SaveGrant(ctx, login, pair.AccessToken, pair.RefreshToken, pair.ExpiresAt, pair.Scopes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store grant"})
		return
	}
	if err := s.streamers.Ensure(ctx, login, user.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store streamer"})
		return
	}

	// Re-authorization restores the partnership role if a Discord account
	// is linked. Best effort: the grace controller retries removal, and a
	// linked streamer can always ask an admin to re-grant.
	if s.roles != nil {
		if streamer, err := s.streamers.Get(ctx, login); err == nil && streamer.DiscordUserID != "" {
			if err := s.roles.GrantPartnerRole(ctx, streamer.DiscordUserID); err != nil {
				slog.Warn("Failed to restore partner role after authorization",
					"login", login, "error", err)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"login":  login,
		"scopes": pair.Scopes,
		"status": "authorized",
	})
}

// consumeAuthState validates and burns a state token.
func (s *Server) consumeAuthState(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, ok := s.authStates[state]
	if !ok {
		return false
	}
	delete(s.authStates, state)
	return time.Since(created) <= authStateTTL
}
