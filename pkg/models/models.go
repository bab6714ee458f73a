// Package models contains the durable domain types shared across partnerd.
// All structs carry `db` tags for sqlx scanning; timestamps use models.Time
// (RFC 3339 UTC text columns).
package models

// Streamer is the anchor record for a broadcaster, keyed by lowercase login.
// Created on first observation, never deleted.
type Streamer struct {
	Login             string `db:"login" json:"login"`
	TwitchUserID      string `db:"twitch_user_id" json:"twitch_user_id"`
	DiscordUserID     string `db:"discord_user_id" json:"discord_user_id"`
	PartnerActive     bool   `db:"partner_active" json:"partner_active"`
	OptOut            bool   `db:"opt_out" json:"opt_out"`
	RaidMsgOptOut     bool   `db:"raid_msg_opt_out" json:"raid_msg_opt_out"`
	AutoRaidEnabled   bool   `db:"auto_raid_enabled" json:"auto_raid_enabled"`
	VerifiedPermanent bool   `db:"verified_permanent" json:"verified_permanent"`
	VerifiedUntil     Time   `db:"verified_until" json:"verified_until"`
	VerifiedAt        Time   `db:"verified_at" json:"verified_at"`
	DiscordLinkedAt   Time   `db:"discord_linked_at" json:"discord_linked_at"`
	CreatedAt         Time   `db:"created_at" json:"created_at"`
}

// Grant is the stored OAuth credential pair for one broadcaster.
// Token columns hold secret-store ciphertext, never plaintext.
type Grant struct {
	Login            string `db:"login"`
	AccessTokenEnc   []byte `db:"access_token_enc"`
	RefreshTokenEnc  []byte `db:"refresh_token_enc"`
	ExpiresAt        Time   `db:"expires_at"`
	Scopes           string `db:"scopes"` // space-separated, lowercase
	RaidEnabled      bool   `db:"raid_enabled"`
	NeedsReauth      bool   `db:"needs_reauth"`
	LegacyAccessEnc  []byte `db:"legacy_access_enc"`
	LegacyRefreshEnc []byte `db:"legacy_refresh_enc"`
	CreatedAt        Time   `db:"created_at"`
	UpdatedAt        Time   `db:"updated_at"`
}

// FailureRecord tracks consecutive refresh failures for one broadcaster.
// Present only while the broadcaster is in a failure state.
type FailureRecord struct {
	Login          string `db:"login" json:"login"`
	FailCount      int    `db:"fail_count" json:"fail_count"`
	FirstFailureAt Time   `db:"first_failure_at" json:"first_failure_at"`
	LastFailureAt  Time   `db:"last_failure_at" json:"last_failure_at"`
	GraceExpiresAt Time   `db:"grace_expires_at" json:"grace_expires_at"`
	AdminNotified  bool   `db:"admin_notified" json:"admin_notified"`
	UserDMSent     bool   `db:"user_dm_sent" json:"user_dm_sent"`
	ReminderSent   bool   `db:"reminder_sent" json:"reminder_sent"`
	RoleRemoved    bool   `db:"role_removed" json:"role_removed"`
	LastError      string `db:"last_error" json:"last_error"`
}

// LiveState is the single per-broadcaster liveness row.
// ActiveSessionID is 0 when no session is open.
type LiveState struct {
	Login           string `db:"login" json:"login"`
	IsLive          bool   `db:"is_live" json:"is_live"`
	ActiveSessionID int64  `db:"active_session_id" json:"active_session_id"`
	LastTitle       string `db:"last_title" json:"last_title"`
	LastCategory    string `db:"last_category" json:"last_category"`
	LastViewers     int    `db:"last_viewers" json:"last_viewers"`
	LastStartedAt   Time   `db:"last_started_at" json:"last_started_at"`
	LastSeenAt      Time   `db:"last_seen_at" json:"last_seen_at"`
	MissedPolls     int    `db:"missed_polls" json:"missed_polls"`
}

// StreamSession is one continuous online interval for a broadcaster.
// Open while EndedAt is zero; immutable after close except for
// late-arriving derived metrics (follower delta, chatter counts).
type StreamSession struct {
	ID                int64   `db:"id" json:"id"`
	Login             string  `db:"login" json:"login"`
	StartedAt         Time    `db:"started_at" json:"started_at"`
	EndedAt           Time    `db:"ended_at" json:"ended_at"`
	DurationSeconds   int64   `db:"duration_seconds" json:"duration_seconds"`
	StartViewers      int     `db:"start_viewers" json:"start_viewers"`
	PeakViewers       int     `db:"peak_viewers" json:"peak_viewers"`
	EndViewers        int     `db:"end_viewers" json:"end_viewers"`
	AvgViewers        float64 `db:"avg_viewers" json:"avg_viewers"`
	SampleCount       int     `db:"sample_count" json:"sample_count"`
	Retention5m       *float64 `db:"retention_5m" json:"retention_5m"`
	Retention10m      *float64 `db:"retention_10m" json:"retention_10m"`
	Retention20m      *float64 `db:"retention_20m" json:"retention_20m"`
	DropoffPct        float64 `db:"dropoff_pct" json:"dropoff_pct"`
	DropoffBucket     string  `db:"dropoff_bucket" json:"dropoff_bucket"`
	UniqueChatters    int     `db:"unique_chatters" json:"unique_chatters"`
	FirstTimeChatters int     `db:"first_time_chatters" json:"first_time_chatters"`
	FollowerDelta     int     `db:"follower_delta" json:"follower_delta"`
}

// SessionSample is one viewer-count observation within an open session.
// The (session_id, sampled_at) composite key drops duplicate polls.
type SessionSample struct {
	SessionID        int64   `db:"session_id"`
	SampledAt        Time    `db:"sampled_at"`
	MinutesFromStart float64 `db:"minutes_from_start"`
	Viewers          int     `db:"viewers"`
}

// SessionChatter tracks one chatter within one session.
type SessionChatter struct {
	SessionID       int64  `db:"session_id"`
	ChatterLogin    string `db:"chatter_login"`
	FirstSeenAt     Time   `db:"first_seen_at"`
	LastSeenAt      Time   `db:"last_seen_at"`
	MessageCount    int    `db:"message_count"`
	FirstTimeGlobal bool   `db:"first_time_global"`
}

// Raid trigger reasons recorded in history rows.
const (
	RaidReasonAutoOffline = "auto_raid_on_offline"
	RaidReasonManualChat  = "manual_chat_command"
)

// RaidHistoryEntry is one append-only raid attempt record.
// Rows are never mutated after insert; a retry produces a new row.
type RaidHistoryEntry struct {
	ID              int64  `db:"id" json:"id"`
	FromLogin       string `db:"from_login" json:"from_login"`
	ToLogin         string `db:"to_login" json:"to_login"`
	Viewers         int    `db:"viewers" json:"viewers"`
	TargetStartedAt Time   `db:"target_started_at" json:"target_started_at"`
	CandidatePool   int    `db:"candidate_pool" json:"candidate_pool"`
	Success         bool   `db:"success" json:"success"`
	Error           string `db:"error" json:"error"`
	Reason          string `db:"reason" json:"reason"`
	CreatedAt       Time   `db:"created_at" json:"created_at"`
}

// RaidBlacklistEntry marks a broadcaster that cannot be raided.
// Populated opportunistically from refused raid attempts.
type RaidBlacklistEntry struct {
	Login        string `db:"login"`
	TwitchUserID string `db:"twitch_user_id"`
	AddedAt      Time   `db:"added_at"`
	Reason       string `db:"reason"`
}

// PlatformEvent is one append-only inbound platform notification
// (channel.update, channel.cheer, hype train, ...) kept for history.
type PlatformEvent struct {
	ID               int64  `db:"id" json:"id"`
	EventType        string `db:"event_type" json:"event_type"`
	BroadcasterLogin string `db:"broadcaster_login" json:"broadcaster_login"`
	Payload          string `db:"payload" json:"payload"` // raw JSON
	ReceivedAt       Time   `db:"received_at" json:"received_at"`
}
