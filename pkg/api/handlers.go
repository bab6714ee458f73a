package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/streamforge/partnerd/pkg/store"
)

// IngestEventRequest is the envelope the event ingest accepts.
type IngestEventRequest struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// IngestEvent handles POST /internal/events: one platform notification per
// request, routed to whichever component consumes it.
func (s *Server) IngestEvent(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.router.Handle(c.Request.Context(), req.Type, req.Payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "routed"})
}

// ListLive handles GET /api/live.
func (s *Server) ListLive(c *gin.Context) {
	states, err := s.live.ListLive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": states, "count": len(states)})
}

// PendingRaids handles GET /api/raids/pending.
func (s *Server) PendingRaids(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.pending.PendingCount()})
}

// RecentEvents handles GET /api/events?type=&limit=.
func (s *Server) RecentEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	out, err := s.history.Recent(c.Request.Context(), c.Query("type"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// GetStreamer handles GET /api/streamers/:login — the streamer row plus the
// credential and failure state an operator needs at a glance.
func (s *Server) GetStreamer(c *gin.Context) {
	ctx := c.Request.Context()
	login := c.Param("login")

	streamer, err := s.streamers.Get(ctx, login)
	if err != nil {
		statusFromErr(c, err)
		return
	}

	resp := gin.H{"streamer": streamer}
	if grant, err := s.creds.LoadGrant(ctx, login); err == nil {
		resp["grant"] = gin.H{
			"expires_at":   grant.ExpiresAt,
			"scopes":       grant.Scopes,
			"raid_enabled": grant.RaidEnabled,
			"needs_reauth": grant.NeedsReauth,
		}
	}
	if failure, err := s.creds.GetFailure(ctx, login); err == nil {
		resp["failure"] = failure
	}
	c.JSON(http.StatusOK, resp)
}

// StreamerSessions handles GET /api/streamers/:login/sessions.
func (s *Server) StreamerSessions(c *gin.Context) {
	sessions, err := s.live.RecentSessions(c.Request.Context(), c.Param("login"), intQuery(c, "limit", 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// StreamerRaids handles GET /api/streamers/:login/raids.
func (s *Server) StreamerRaids(c *gin.Context) {
	history, err := s.raids.HistoryFor(c.Request.Context(), c.Param("login"), intQuery(c, "limit", 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"raids": history})
}

// SetStreamerFlagsRequest carries the optional flag updates; absent fields
// are left unchanged.
type SetStreamerFlagsRequest struct {
	OptOut        *bool `json:"opt_out"`
	RaidMsgOptOut *bool `json:"raid_msg_opt_out"`
	AutoRaid      *bool `json:"auto_raid_enabled"`
}

// SetStreamerFlags handles POST /api/streamers/:login/flags.
func (s *Server) SetStreamerFlags(c *gin.Context) {
	var req SetStreamerFlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OptOut == nil && req.RaidMsgOptOut == nil && req.AutoRaid == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no flags given"})
		return
	}

	ctx := c.Request.Context()
	login := c.Param("login")
	if req.OptOut != nil {
		if err := s.streamers.SetOptOut(ctx, login, *req.OptOut); err != nil {
			statusFromErr(c, err)
			return
		}
	}
	if req.RaidMsgOptOut != nil {
		if err := s.streamers.SetRaidMsgOptOut(ctx, login, *req.RaidMsgOptOut); err != nil {
			statusFromErr(c, err)
			return
		}
	}
	if req.AutoRaid != nil {
		if err := s.streamers.SetAutoRaid(ctx, login, *req.AutoRaid); err != nil {
			statusFromErr(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// LinkDiscordRequest carries the chat-platform user id to associate.
type LinkDiscordRequest struct {
	DiscordUserID string `json:"discord_user_id" binding:"required"`
}

// LinkDiscord handles POST /api/streamers/:login/discord.
func (s *Server) LinkDiscord(c *gin.Context) {
	var req LinkDiscordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.streamers.LinkDiscord(c.Request.Context(), c.Param("login"), req.DiscordUserID); err != nil {
		statusFromErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "linked"})
}

// RevokeGrant handles DELETE /api/streamers/:login/grant: the stored tokens
// are destroyed, partnership flags cleared, and the chat-platform role
// removed when a linked account is known.
func (s *Server) RevokeGrant(c *gin.Context) {
	ctx := c.Request.Context()
	login := c.Param("login")

	if err := s.creds.Revoke(ctx, login); err != nil {
		statusFromErr(c, err)
		return
	}
	if s.roles != nil {
		if streamer, err := s.streamers.Get(ctx, login); err == nil && streamer.DiscordUserID != "" {
			if err := s.roles.RemovePartnerRole(ctx, streamer.DiscordUserID); err != nil {
				slog.Warn("partner role removal failed", "login", login, "error", err)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func statusFromErr(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}
