// Package events routes inbound platform notifications to the components
// that consume them. Stream lifecycle events feed the live tracker, raid
// arrivals feed the correlator, chat messages feed session attribution and
// the manual raid command; everything else lands in the append-only event
// history.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/streamforge/partnerd/pkg/store"
	"github.com/streamforge/partnerd/pkg/twitch"
)

// Notification event types the router handles specially.
const (
	TypeStreamOnline  = "stream.online"
	TypeStreamOffline = "stream.offline"
	TypeChannelRaid   = "channel.raid"
	TypeChatMessage   = "channel.chat.message"
)

// manualRaidCommand is the chat command a broadcaster types to raid out
// ahead of ending their stream.
const manualRaidCommand = "!raid"

// LiveHandler is the tracker capability the router drives.
type LiveHandler interface {
	HandleOnline(ctx context.Context, stream twitch.Stream)
	HandleOffline(ctx context.Context, login string)
	RecordChatMessage(ctx context.Context, broadcasterLogin, chatterLogin string)
}

// RaidHandler is the dispatcher capability the router drives.
type RaidHandler interface {
	HandleRaidArrival(ctx context.Context, toBroadcasterID, toLogin, fromLogin string, viewers int)
	DispatchManual(ctx context.Context, login string)
}

// Router dispatches decoded notifications.
type Router struct {
	live    LiveHandler
	raids   RaidHandler
	history *store.EventRepo
	logger  *slog.Logger
}

// NewRouter creates a notification router.
func NewRouter(live LiveHandler, raids RaidHandler, history *store.EventRepo) *Router {
	return &Router{
		live:    live,
		raids:   raids,
		history: history,
		logger:  slog.Default().With("component", "event-router"),
	}
}

type streamOnlinePayload struct {
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	StartedAt            time.Time `json:"started_at"`
}

type streamOfflinePayload struct {
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}

type channelRaidPayload struct {
	ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
	ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	Viewers                  int    `json:"viewers"`
}

type chatMessagePayload struct {
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	ChatterUserLogin     string `json:"chatter_user_login"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
}

// Handle routes one notification. Unknown event types are recorded in the
// history table rather than rejected, so new platform event kinds never
// bounce.
func (r *Router) Handle(ctx context.Context, eventType string, payload json.RawMessage) error {
	switch eventType {
	case TypeStreamOnline:
		var p streamOnlinePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("events: decode %s: %w", eventType, err)
		}
		if p.BroadcasterUserLogin == "" {
			return fmt.Errorf("events: %s missing broadcaster login", eventType)
		}
		r.live.HandleOnline(ctx, twitch.Stream{
			UserID:    p.BroadcasterUserID,
			UserLogin: p.BroadcasterUserLogin,
			StartedAt: p.StartedAt,
		})
		return nil

	case TypeStreamOffline:
		var p streamOfflinePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("events: decode %s: %w", eventType, err)
		}
		if p.BroadcasterUserLogin == "" {
			return fmt.Errorf("events: %s missing broadcaster login", eventType)
		}
		r.live.HandleOffline(ctx, p.BroadcasterUserLogin)
		return nil

	case TypeChannelRaid:
		var p channelRaidPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("events: decode %s: %w", eventType, err)
		}
		if p.ToBroadcasterUserID == "" || p.FromBroadcasterUserLogin == "" {
			return fmt.Errorf("events: %s missing broadcaster fields", eventType)
		}
		r.raids.HandleRaidArrival(ctx, p.ToBroadcasterUserID,
			p.ToBroadcasterUserLogin, p.FromBroadcasterUserLogin, p.Viewers)
		return nil

	case TypeChatMessage:
		var p chatMessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("events: decode %s: %w", eventType, err)
		}
		if p.BroadcasterUserLogin == "" || p.ChatterUserLogin == "" {
			return fmt.Errorf("events: %s missing login fields", eventType)
		}
		r.live.RecordChatMessage(ctx, p.BroadcasterUserLogin, p.ChatterUserLogin)
		if isManualRaidCommand(p) {
			r.logger.Info("Manual raid command received", "login", p.BroadcasterUserLogin)
			r.raids.DispatchManual(ctx, p.BroadcasterUserLogin)
		}
		return nil

	default:
		login := broadcasterLoginFrom(payload)
		if err := r.history.Insert(ctx, eventType, login, string(payload)); err != nil {
			return err
		}
		r.logger.Debug("Recorded platform event", "type", eventType, "login", login)
		return nil
	}
}

// isManualRaidCommand reports whether a chat message is the broadcaster
// themselves asking for a raid-out.
func isManualRaidCommand(p chatMessagePayload) bool {
	if !strings.EqualFold(p.ChatterUserLogin, p.BroadcasterUserLogin) {
		return false
	}
	text := strings.TrimSpace(strings.ToLower(p.Message.Text))
	return text == manualRaidCommand || strings.HasPrefix(text, manualRaidCommand+" ")
}

// broadcasterLoginFrom extracts the broadcaster login most platform payloads
// carry, for history indexing. Best effort; empty when absent.
func broadcasterLoginFrom(payload json.RawMessage) string {
	var p struct {
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.BroadcasterUserLogin
}
