// partnerd — streamer partnership lifecycle engine: encrypted OAuth
// credential custody, live-state tracking, and outbound raid dispatch.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamforge/partnerd/pkg/api"
	"github.com/streamforge/partnerd/pkg/cleanup"
	"github.com/streamforge/partnerd/pkg/config"
	"github.com/streamforge/partnerd/pkg/credentials"
	"github.com/streamforge/partnerd/pkg/database"
	"github.com/streamforge/partnerd/pkg/events"
	"github.com/streamforge/partnerd/pkg/notify"
	"github.com/streamforge/partnerd/pkg/raid"
	"github.com/streamforge/partnerd/pkg/secrets"
	"github.com/streamforge/partnerd/pkg/store"
	"github.com/streamforge/partnerd/pkg/tracker"
	"github.com/streamforge/partnerd/pkg/twitch"
	"github.com/streamforge/partnerd/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file (missing file is not an error)")
	flag.Parse()

	slog.Info("Starting partnerd", "version", version.Full())

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*envPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open database
	dbClient, err := database.NewClient(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "path", cfg.DBPath)

	// 3. Load master key from the OS secret vault
	sec, err := secrets.Open(cfg.MasterKeyID)
	if err != nil {
		slog.Error("Failed to load master key", "kid", cfg.MasterKeyID, "error", err)
		os.Exit(1)
	}

	// 4. Build repositories
	db := dbClient.DB()
	policy := store.FailurePolicy{
		DisableThreshold: cfg.DisableThreshold,
		Window:           cfg.FailureWindow,
		GracePeriod:      cfg.GracePeriod,
		RetryCooldown:    cfg.RetryCooldown,
	}
	streamers := store.NewStreamerRepo(db)
	creds := store.NewCredentialRepo(db, sec, policy)
	live := store.NewLiveRepo(db)
	raids := store.NewRaidRepo(db)
	history := store.NewEventRepo(db)

	// 5. Platform client
	tw := twitch.NewClient(twitch.Config{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
	})

	// 6. Notification backends (each optional; nil disables)
	var slackClient *notify.SlackClient
	if cfg.SlackBotToken != "" && cfg.SlackAdminChannel != "" {
		slackClient = notify.NewSlackClient(cfg.SlackBotToken, cfg.SlackAdminChannel)
		slog.Info("Slack admin notifications enabled", "channel", cfg.SlackAdminChannel)
	}
	var discordClient *notify.DiscordClient
	if cfg.DiscordBotToken != "" {
		discordClient = notify.NewDiscordClient(notify.DiscordConfig{
			BotToken: cfg.DiscordBotToken,
			GuildID:  cfg.DiscordGuildID,
			RoleID:   cfg.DiscordPartnerRoleID,
		})
		slog.Info("Discord notifications enabled", "guild", cfg.DiscordGuildID)
	}
	notifier := notify.NewService(slackClient, discordClient)

	// 7. Credential lifecycle
	manager := credentials.NewManager(creds, streamers, tw, notifier, cfg.PublicBaseURL)
	refresher := credentials.NewRefresher(manager, creds)
	grace := credentials.NewGraceController(creds, streamers, notifier, cfg.PublicBaseURL)

	// 8. Raid dispatcher and live tracker. The tracker's offline hook is
	// the dispatcher; the dispatcher's category pool is the tracker.
	dispatcher := raid.NewDispatcher(
		raid.Config{TargetCooldown: cfg.RaidTargetCooldown},
		streamers, creds, live, raids, manager, tw, nil,
	)
	track := tracker.New(tracker.Config{
		TrackedCategoryID: cfg.TrackedCategoryID,
		TrackedLanguage:   cfg.TrackedLanguage,
		PollInterval:      cfg.PollInterval,
		OfflineMisses:     cfg.OfflineMisses,
	}, tw, streamers, live, dispatcher)
	dispatcher.SetCandidates(track)

	// 9. Event router and HTTP server
	router := events.NewRouter(track, dispatcher, history)
	httpServer := api.NewServer(dbClient, streamers, creds, live, raids, history, tw, router, dispatcher)
	httpServer.SetRoleSyncer(notifier)

	// 10. Start background services
	retention := cleanup.NewService(cleanup.RetentionConfig{
		EventTTL:        cfg.EventTTL,
		SampleRetention: cfg.SampleRetention,
		Interval:        cfg.CleanupInterval,
	}, history, live)

	refresher.Start(ctx)
	grace.Start(ctx)
	track.Start(ctx)
	dispatcher.StartReaper(ctx)
	retention.Start(ctx)

	// 11. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("partnerd started",
		"poll_interval", cfg.PollInterval,
		"category", cfg.TrackedCategoryID)

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown. The HTTP server drains first so no new events
	// arrive while the tracker closes out, then the background loops stop.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	retention.Stop()
	dispatcher.StopReaper()
	track.Stop()
	grace.Stop()
	refresher.Stop()

	slog.Info("Shutdown complete")
}
