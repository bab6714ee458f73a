package credentials

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamforge/partnerd/pkg/models"
	"github.com/streamforge/partnerd/pkg/store"
)

const graceInterval = time.Hour

// GraceController watches for disabled broadcasters whose re-authorization
// window has lapsed. The reminder DM and admin embed go out exactly once
// per expiry; partner role removal is flagged separately and retried on
// later passes until it sticks. Re-authorizing at any point wipes the
// record entirely.
type GraceController struct {
	creds     *store.CredentialRepo
	streamers *store.StreamerRepo
	notifier  Notifier
	authURL   string
	logger    *slog.Logger

	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGraceController creates the grace expiry loop.
func NewGraceController(creds *store.CredentialRepo, streamers *store.StreamerRepo, notifier Notifier, publicBaseURL string) *GraceController {
	return &GraceController{
		creds:     creds,
		streamers: streamers,
		notifier:  notifier,
		authURL:   authStartURL(publicBaseURL),
		logger:    slog.Default().With("component", "grace-controller"),
		interval:  graceInterval,
	}
}

// Start launches the background grace-expiry loop.
func (g *GraceController) Start(ctx context.Context) {
	if g.cancel != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})

	go g.run(ctx)

	g.logger.Info("Grace controller started", "interval", g.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (g *GraceController) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	<-g.done
	g.logger.Info("Grace controller stopped")
}

func (g *GraceController) run(ctx context.Context) {
	defer close(g.done)

	g.RunPass(ctx)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunPass(ctx)
		}
	}
}

// RunPass handles every freshly-expired grace record once.
func (g *GraceController) RunPass(ctx context.Context) {
	records, err := g.creds.ExpiredGraceRecords(ctx)
	if err != nil {
		g.logger.Error("Failed to list expired grace records", "error", err)
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		g.handleExpiry(ctx, rec)
	}
}

func (g *GraceController) handleExpiry(ctx context.Context, rec models.FailureRecord) {
	g.logger.Warn("Grace period expired without re-authorization",
		"login", rec.Login,
		"grace_expired_at", rec.GraceExpiresAt.Time)

	streamer, err := g.streamers.Get(ctx, rec.Login)
	if err != nil {
		g.logger.Error("Failed to load streamer for grace expiry", "login", rec.Login, "error", err)
		return
	}

	// The reminder DM and the admin embed are one-shot per expiry. The
	// flag is persisted as soon as they go out, so a failing role
	// removal below retries without re-sending either.
	if !rec.ReminderSent {
		dmOK := true
		if streamer.DiscordUserID != "" {
			if err := g.notifier.SendGraceReminderDM(ctx, streamer.DiscordUserID, rec.Login, g.authURL); err != nil {
				g.logger.Error("Failed to send grace reminder DM", "login", rec.Login, "error", err)
				dmOK = false
			}
		}
		if dmOK {
			if err := g.notifier.NotifyGraceExpired(ctx, rec.Login); err != nil {
				g.logger.Error("Failed to post grace expiry embed", "login", rec.Login, "error", err)
			}
			sent := true
			if err := g.creds.SetFailureFlags(ctx, rec.Login, nil, nil, &sent, nil); err != nil {
				g.logger.Error("Failed to flag grace reminder as sent", "login", rec.Login, "error", err)
			}
		}
	}

	// Role removal gates its own flag. If Discord is down we leave
	// role_removed unset so the next pass retries just the removal.
	if streamer.DiscordUserID != "" {
		if err := g.notifier.RemovePartnerRole(ctx, streamer.DiscordUserID); err != nil {
			g.logger.Error("Failed to remove partner role", "login", rec.Login, "error", err)
			return
		}
	}
	removed := true
	if err := g.creds.SetFailureFlags(ctx, rec.Login, nil, nil, nil, &removed); err != nil {
		g.logger.Error("Failed to flag partner role as removed", "login", rec.Login, "error", err)
	}
}
