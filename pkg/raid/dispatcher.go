// Package raid selects raid targets when a partner ends their stream,
// drives the platform raid endpoint, and correlates the resulting arrival
// events back to the dispatch that caused them.
package raid

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/streamforge/partnerd/pkg/models"
	"github.com/streamforge/partnerd/pkg/store"
	"github.com/streamforge/partnerd/pkg/twitch"
)

const (
	maxAttemptsPerTrigger = 3

	pendingTimeout = 5 * time.Minute
	reapInterval   = 2 * time.Minute

	manualSuppression   = 5 * time.Minute
	externalSuppression = 3 * time.Minute
)

// TokenSource hands out valid access tokens for a broadcaster.
type TokenSource interface {
	GetValidToken(ctx context.Context, login string) (string, error)
}

// RaidAPI is the slice of the Twitch client the dispatcher needs.
type RaidAPI interface {
	StartRaid(ctx context.Context, accessToken, fromBroadcasterID, toBroadcasterID string) error
	FollowerCount(ctx context.Context, broadcasterID string) (int, error)
	SendChatMessage(ctx context.Context, accessToken, broadcasterID, senderID, message string) error
}

// CandidateSource provides the live streams of the tracked category,
// the tier-2 fallback pool.
type CandidateSource interface {
	CategoryCandidates() []twitch.Stream
}

// pendingRaid is one dispatched-but-unconfirmed raid, keyed by target id.
type pendingRaid struct {
	originLogin string
	originID    string
	targetLogin string
	targetID    string
	partnerRaid bool
	viewers     int
	createdAt   time.Time
}

// Dispatcher owns raid target selection and the in-memory pending and
// suppression state. Both maps are process-local: they survive neither
// restart nor shutdown, which is acceptable for five-minute lifetimes.
type Dispatcher struct {
	cfg        Config
	streamers  *store.StreamerRepo
	creds      *store.CredentialRepo
	live       *store.LiveRepo
	raids      *store.RaidRepo
	tokens     TokenSource
	api        RaidAPI
	candidates CandidateSource
	logger     *slog.Logger

	now func() time.Time

	mu         sync.Mutex
	pending    map[string]pendingRaid // target user id → dispatch
	suppressed map[string]time.Time   // origin login → suppression expiry

	cancel context.CancelFunc
	done   chan struct{}
}

// Config carries the dispatcher's policy knobs.
type Config struct {
	// TargetCooldown is how long the same origin avoids re-raiding the
	// same target when alternatives exist.
	TargetCooldown time.Duration
}

// NewDispatcher creates a raid dispatcher.
func NewDispatcher(cfg Config, streamers *store.StreamerRepo, creds *store.CredentialRepo, live *store.LiveRepo, raids *store.RaidRepo, tokens TokenSource, api RaidAPI, candidates CandidateSource) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		streamers:  streamers,
		creds:      creds,
		live:       live,
		raids:      raids,
		tokens:     tokens,
		api:        api,
		candidates: candidates,
		logger:     slog.Default().With("component", "raid-dispatcher"),
		now:        time.Now,
		pending:    make(map[string]pendingRaid),
		suppressed: make(map[string]time.Time),
	}
}

// SetCandidates wires the category candidate source after construction.
// The tracker and dispatcher reference each other, so one side has to be
// attached late; it must be set before the first dispatch.
func (d *Dispatcher) SetCandidates(candidates CandidateSource) {
	d.candidates = candidates
}

// OnStreamerOffline is the live tracker's offline hook: the origin just
// ended their stream, try to send their viewers somewhere.
func (d *Dispatcher) OnStreamerOffline(ctx context.Context, login string, session *models.StreamSession) {
	viewers := session.EndViewers
	if viewers == 0 {
		viewers = session.PeakViewers
	}
	d.dispatch(ctx, login, viewers, models.RaidReasonAutoOffline, true)
}

// DispatchManual fires a raid for a chat-command trigger and suppresses the
// offline auto-raid that would otherwise follow the same stream ending.
func (d *Dispatcher) DispatchManual(ctx context.Context, login string) {
	login = store.Normalize(login)
	d.suppress(login, manualSuppression)

	viewers := 0
	if st, err := d.live.GetState(ctx, login); err == nil {
		viewers = st.LastViewers
	}
	d.dispatch(ctx, login, viewers, models.RaidReasonManualChat, false)
}

func (d *Dispatcher) dispatch(ctx context.Context, origin string, viewers int, reason string, honorSuppression bool) {
	origin = store.Normalize(origin)
	log := d.logger.With("origin", origin, "reason", reason)

	streamer, err := d.streamers.Get(ctx, origin)
	if err != nil {
		log.Error("Failed to load origin streamer", "error", err)
		return
	}
	if !streamer.AutoRaidEnabled {
		log.Info("Auto-raid disabled for origin, skipping")
		return
	}
	grant, err := d.creds.LoadGrant(ctx, origin)
	if err != nil {
		log.Warn("No usable grant for origin, skipping", "error", err)
		return
	}
	if !grant.RaidEnabled {
		log.Info("Grant raid switch off for origin, skipping")
		return
	}
	if streamer.TwitchUserID == "" {
		log.Warn("Origin has no platform user id, skipping")
		return
	}

	if honorSuppression && d.IsSuppressed(origin) {
		log.Info("Raid suppressed, a human already initiated one")
		return
	}

	ordered, err := d.orderedCandidates(ctx, origin)
	if err != nil {
		log.Error("Failed to build candidate pool", "error", err)
		return
	}
	if len(ordered) == 0 {
		log.Info("No raid candidates available")
		return
	}

	token, err := d.tokens.GetValidToken(ctx, origin)
	if err != nil {
		log.Warn("Could not obtain access token for origin", "error", err)
		return
	}

	attempts := len(ordered)
	if attempts > maxAttemptsPerTrigger {
		attempts = maxAttemptsPerTrigger
	}
	for i := 0; i < attempts; i++ {
		cand := ordered[i]
		entry := models.RaidHistoryEntry{
			FromLogin:       origin,
			ToLogin:         cand.login,
			Viewers:         viewers,
			TargetStartedAt: models.At(cand.startedAt),
			CandidatePool:   len(ordered),
			Reason:          reason,
		}

		err := d.api.StartRaid(ctx, token, streamer.TwitchUserID, cand.userID)
		if err == nil {
			entry.Success = true
			if err := d.raids.InsertHistory(ctx, entry); err != nil {
				log.Error("Failed to write raid history", "error", err)
			}
			d.registerPending(pendingRaid{
				originLogin: origin,
				originID:    streamer.TwitchUserID,
				targetLogin: cand.login,
				targetID:    cand.userID,
				partnerRaid: cand.partner,
				viewers:     viewers,
				createdAt:   d.now(),
			})
			log.Info("Raid dispatched",
				"target", cand.login, "viewers", viewers, "partner_raid", cand.partner)
			return
		}

		entry.Error = err.Error()
		if histErr := d.raids.InsertHistory(ctx, entry); histErr != nil {
			log.Error("Failed to write raid history", "error", histErr)
		}

		if errors.Is(err, twitch.ErrRaidRefused) {
			log.Warn("Target refused raid", "target", cand.login, "partner", cand.partner)
			if !cand.partner {
				if blErr := d.raids.AddBlacklist(ctx, cand.login, cand.userID, "raid refused"); blErr != nil {
					log.Error("Failed to blacklist target", "target", cand.login, "error", blErr)
				}
			}
			continue
		}

		log.Error("Raid dispatch failed, abandoning trigger", "target", cand.login, "error", err)
		return
	}
	log.Warn("All raid attempts exhausted", "attempts", attempts)
}

// candidate is one scored raid target.
type candidate struct {
	login     string
	userID    string
	viewers   int
	followers int // math.MaxInt when unknown
	startedAt time.Time
	partner   bool
}

// orderedCandidates builds the two-tier candidate list: live partners
// first, then the tracked-category pool, each tier sorted by ascending
// viewers with follower count and stream start as tie-breaks. Targets
// raided by this origin inside the cooldown drop out while alternatives
// remain.
func (d *Dispatcher) orderedCandidates(ctx context.Context, origin string) ([]candidate, error) {
	seen := map[string]bool{origin: true}

	tier1, err := d.partnerCandidates(ctx, origin, seen)
	if err != nil {
		return nil, err
	}
	tier2, err := d.categoryCandidates(ctx, seen)
	if err != nil {
		return nil, err
	}

	d.scoreTier(ctx, tier1)
	d.scoreTier(ctx, tier2)
	ordered := append(tier1, tier2...)

	recent, err := d.raids.RecentTargets(ctx, origin, d.now().Add(-d.cfg.TargetCooldown))
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		cooled := make(map[string]bool, len(recent))
		for _, l := range recent {
			cooled[l] = true
		}
		fresh := make([]candidate, 0, len(ordered))
		for _, c := range ordered {
			if !cooled[c.login] {
				fresh = append(fresh, c)
			}
		}
		if len(fresh) > 0 {
			ordered = fresh
		}
	}
	return ordered, nil
}

func (d *Dispatcher) partnerCandidates(ctx context.Context, origin string, seen map[string]bool) ([]candidate, error) {
	partners, err := d.streamers.ListPartners(ctx)
	if err != nil {
		return nil, err
	}
	liveStates, err := d.live.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	liveByLogin := make(map[string]models.LiveState, len(liveStates))
	for _, st := range liveStates {
		liveByLogin[st.Login] = st
	}

	var out []candidate
	for _, p := range partners {
		if seen[p.Login] || p.OptOut {
			continue
		}
		st, isLive := liveByLogin[p.Login]
		if !isLive || p.TwitchUserID == "" {
			continue
		}
		blacklisted, err := d.raids.IsBlacklisted(ctx, p.Login)
		if err != nil {
			return nil, err
		}
		if blacklisted {
			continue
		}
		seen[p.Login] = true
		out = append(out, candidate{
			login:     p.Login,
			userID:    p.TwitchUserID,
			viewers:   st.LastViewers,
			followers: math.MaxInt,
			startedAt: st.LastStartedAt.Time,
			partner:   true,
		})
	}
	return out, nil
}

func (d *Dispatcher) categoryCandidates(ctx context.Context, seen map[string]bool) ([]candidate, error) {
	var out []candidate
	for _, s := range d.candidates.CategoryCandidates() {
		login := store.Normalize(s.UserLogin)
		if seen[login] || s.UserID == "" {
			continue
		}
		blacklisted, err := d.raids.IsBlacklisted(ctx, login)
		if err != nil {
			return nil, err
		}
		if blacklisted {
			continue
		}
		seen[login] = true
		out = append(out, candidate{
			login:     login,
			userID:    s.UserID,
			viewers:   s.ViewerCount,
			followers: math.MaxInt,
			startedAt: s.StartedAt,
			partner:   false,
		})
	}
	return out, nil
}

// scoreTier sorts one tier in place. Follower counts are fetched lazily and
// best-effort, only for candidates tied on viewer count; a failed lookup
// sorts last among the tie.
func (d *Dispatcher) scoreTier(ctx context.Context, tier []candidate) {
	viewerCounts := make(map[int]int, len(tier))
	for _, c := range tier {
		viewerCounts[c.viewers]++
	}
	for i := range tier {
		if viewerCounts[tier[i].viewers] < 2 {
			continue
		}
		if n, err := d.api.FollowerCount(ctx, tier[i].userID); err == nil {
			tier[i].followers = n
		}
	}

	sort.SliceStable(tier, func(i, j int) bool {
		if tier[i].viewers != tier[j].viewers {
			return tier[i].viewers < tier[j].viewers
		}
		if tier[i].followers != tier[j].followers {
			return tier[i].followers < tier[j].followers
		}
		return tier[i].startedAt.Before(tier[j].startedAt)
	})
}

func (d *Dispatcher) registerPending(p pendingRaid) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[p.targetID] = p
}

// IsSuppressed reports whether a manual or external raid was recently
// observed for this origin.
func (d *Dispatcher) IsSuppressed(login string) bool {
	login = store.Normalize(login)
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.suppressed[login]
	if !ok {
		return false
	}
	if d.now().After(expiry) {
		delete(d.suppressed, login)
		return false
	}
	return true
}

func (d *Dispatcher) suppress(login string, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressed[store.Normalize(login)] = d.now().Add(ttl)
}
