// Package api is the HTTP surface: health, the OAuth authorization flow,
// the inbound event ingest, and the admin endpoints.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamforge/partnerd/pkg/database"
	"github.com/streamforge/partnerd/pkg/events"
	"github.com/streamforge/partnerd/pkg/store"
	"github.com/streamforge/partnerd/pkg/twitch"
)

// grantScopes is what the authorization flow asks the broadcaster for:
// raids out of their channel and chat messages on their behalf.
var grantScopes = []string{"channel:manage:raids", "user:write:chat"}

// authStateTTL bounds how long a started authorization may sit before the
// callback arrives.
const authStateTTL = 10 * time.Minute

// OAuthClient is the slice of the Twitch client the auth flow needs.
type OAuthClient interface {
	AuthorizeURL(state string, scopes []string) string
	ExchangeCode(ctx context.Context, code string) (twitch.TokenPair, error)
	UserForToken(ctx context.Context, accessToken string) (twitch.User, error)
}

// PendingReporter exposes the dispatcher's outstanding-raid count.
type PendingReporter interface {
	PendingCount() int
}

// RoleSyncer keeps the chat-platform partnership role in step with the
// grant: restored after a successful authorization, removed on revoke.
type RoleSyncer interface {
	GrantPartnerRole(ctx context.Context, discordUserID string) error
	RemovePartnerRole(ctx context.Context, discordUserID string) error
}

// Server is the HTTP API server.
type Server struct {
	db        *database.Client
	streamers *store.StreamerRepo
	creds     *store.CredentialRepo
	live      *store.LiveRepo
	raids     *store.RaidRepo
	history   *store.EventRepo
	oauth     OAuthClient
	router    *events.Router
	pending   PendingReporter
	roles     RoleSyncer

	mu         sync.Mutex
	authStates map[string]time.Time

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(db *database.Client, streamers *store.StreamerRepo, creds *store.CredentialRepo, live *store.LiveRepo, raids *store.RaidRepo, history *store.EventRepo, oauth OAuthClient, router *events.Router, pending PendingReporter) *Server {
	return &Server{
		db:         db,
		streamers:  streamers,
		creds:      creds,
		live:       live,
		raids:      raids,
		history:    history,
		oauth:      oauth,
		router:     router,
		pending:    pending,
		authStates: make(map[string]time.Time),
	}
}

// SetRoleSyncer attaches the collaborator that grants and removes the
// partnership role as grants come and go. Optional; nil disables.
func (s *Server) SetRoleSyncer(roles RoleSyncer) {
	s.roles = roles
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.Health)

	r.GET("/auth/start", s.AuthStart)
	r.GET("/auth/callback", s.AuthCallback)

	r.POST("/internal/events", s.IngestEvent)

	admin := r.Group("/api")
	{
		admin.GET("/live", s.ListLive)
		admin.GET("/raids/pending", s.PendingRaids)
		admin.GET("/events", s.RecentEvents)

		admin.GET("/streamers/:login", s.GetStreamer)
		admin.GET("/streamers/:login/sessions", s.StreamerSessions)
		admin.GET("/streamers/:login/raids", s.StreamerRaids)
		admin.POST("/streamers/:login/flags", s.SetStreamerFlags)
		admin.POST("/streamers/:login/discord", s.LinkDiscord)
		admin.DELETE("/streamers/:login/grant", s.RevokeGrant)
	}

	return r
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Health returns process and database health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.db.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}
