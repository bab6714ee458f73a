// Package config loads partnerd configuration from the environment.
//
// A .env file (if present) is loaded first via godotenv; explicit environment
// variables always win. All duration-like knobs are stored as time.Duration
// so call sites never multiply units themselves.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the umbrella configuration object for the whole process.
// It is built once in the composition root and passed down; components
// never read the environment directly.
type Config struct {
	// HTTP API
	HTTPPort string

	// PublicBaseURL is the externally reachable base of this service,
	// used when building re-authorization links for DMs.
	PublicBaseURL string

	// Database
	DBPath string

	// Secret store
	MasterKeyID string

	// Twitch application identity
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRedirectURI  string

	// Live-state polling
	TrackedCategoryID string
	TrackedLanguage   string
	PollInterval      time.Duration
	OfflineMisses     int

	// Credential failure policy
	FailureWindow    time.Duration
	DisableThreshold int
	GracePeriod      time.Duration
	RetryCooldown    time.Duration

	// Raid policy
	RaidTargetCooldown time.Duration

	// Retention
	EventTTL        time.Duration
	SampleRetention time.Duration
	CleanupInterval time.Duration

	// Admin notifications (optional — empty disables)
	SlackBotToken     string
	SlackAdminChannel string

	// Discord collaborator (optional — empty disables)
	DiscordBotToken      string
	DiscordGuildID       string
	DiscordPartnerRoleID string
}

// Load reads configuration from the environment, applying defaults.
// envPath may be empty; a missing .env file is not an error.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	cfg := &Config{
		HTTPPort:      getEnv("PARTNERD_HTTP_PORT", "8080"),
		PublicBaseURL: getEnv("PARTNERD_PUBLIC_BASE_URL", "http://localhost:8080"),
		DBPath:        getEnv("PARTNERD_DB_PATH", "./partnerd.db"),
		MasterKeyID:   getEnv("PARTNERD_MASTER_KEY_ID", "partnerd-master"),

		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		TwitchRedirectURI:  os.Getenv("TWITCH_REDIRECT_URI"),

		TrackedCategoryID: os.Getenv("PARTNERD_TRACKED_CATEGORY_ID"),
		TrackedLanguage:   getEnv("PARTNERD_TRACKED_LANGUAGE", "en"),

		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackAdminChannel: os.Getenv("SLACK_ADMIN_CHANNEL"),

		DiscordBotToken:      os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordGuildID:       os.Getenv("DISCORD_GUILD_ID"),
		DiscordPartnerRoleID: os.Getenv("DISCORD_PARTNER_ROLE_ID"),
	}

	var err error
	if cfg.PollInterval, err = getEnvDuration("PARTNERD_POLL_INTERVAL_SECONDS", 75, time.Second); err != nil {
		return nil, err
	}
	if cfg.OfflineMisses, err = getEnvInt("PARTNERD_OFFLINE_MISSES", 3); err != nil {
		return nil, err
	}
	if cfg.FailureWindow, err = getEnvDuration("PARTNERD_FAILURE_WINDOW_HOURS", 12, time.Hour); err != nil {
		return nil, err
	}
	if cfg.DisableThreshold, err = getEnvInt("PARTNERD_DISABLE_THRESHOLD", 3); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = getEnvDuration("PARTNERD_GRACE_DAYS", 7, 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RetryCooldown, err = getEnvDuration("PARTNERD_RETRY_COOLDOWN_HOURS", 2, time.Hour); err != nil {
		return nil, err
	}
	if cfg.RaidTargetCooldown, err = getEnvDuration("PARTNERD_RAID_COOLDOWN_DAYS", 7, 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.EventTTL, err = getEnvDuration("PARTNERD_EVENT_TTL_DAYS", 90, 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SampleRetention, err = getEnvDuration("PARTNERD_SAMPLE_RETENTION_DAYS", 30, 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = getEnvDuration("PARTNERD_CLEANUP_INTERVAL_HOURS", 6, time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and thresholds sane.
func (c *Config) Validate() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("config: TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET are required")
	}
	if c.TwitchRedirectURI == "" {
		return fmt.Errorf("config: TWITCH_REDIRECT_URI is required")
	}
	if c.DisableThreshold < 1 {
		return fmt.Errorf("config: disable threshold must be >= 1, got %d", c.DisableThreshold)
	}
	if c.OfflineMisses < 1 {
		return fmt.Errorf("config: offline misses must be >= 1, got %d", c.OfflineMisses)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("config: poll interval must be >= 1s, got %s", c.PollInterval)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

// getEnvDuration reads an integer env var and scales it by unit
// (e.g. PARTNERD_GRACE_DAYS=7 with unit=24h yields 168h).
func getEnvDuration(key string, defaultValue int, unit time.Duration) (time.Duration, error) {
	v, err := getEnvInt(key, defaultValue)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("config: %s must be >= 0, got %d", key, v)
	}
	return time.Duration(v) * unit, nil
}
