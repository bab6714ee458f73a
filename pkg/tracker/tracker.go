// Package tracker maintains live/offline state for tracked broadcasters.
// A polling loop reconciles the streams API against the stored state and
// opens or closes stream sessions on transitions; push notifications from
// the event router feed the same transition paths for lower latency.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamforge/partnerd/pkg/models"
	"github.com/streamforge/partnerd/pkg/store"
	"github.com/streamforge/partnerd/pkg/twitch"
)

// StreamLister is the slice of the Twitch client the tracker needs.
type StreamLister interface {
	StreamsByCategory(ctx context.Context, gameID, language string) ([]twitch.Stream, error)
	StreamsByLogins(ctx context.Context, logins []string) ([]twitch.Stream, error)
	FollowerCount(ctx context.Context, broadcasterID string) (int, error)
}

// OfflineHook is notified after each online→offline transition, with the
// closed session. The raid dispatcher hangs off this.
type OfflineHook interface {
	OnStreamerOffline(ctx context.Context, login string, session *models.StreamSession)
}

// Config carries the tracker's policy knobs.
type Config struct {
	// TrackedCategoryID is the Twitch game/category whose live streams
	// feed the raid candidate pool. Empty disables category polling.
	TrackedCategoryID string
	TrackedLanguage   string
	PollInterval      time.Duration
	// OfflineMisses is how many consecutive polls a live broadcaster may
	// be absent from before the session is closed.
	OfflineMisses int
}

// Tracker is the live-state reconciliation service.
type Tracker struct {
	cfg       Config
	tw        StreamLister
	streamers *store.StreamerRepo
	live      *store.LiveRepo
	hook      OfflineHook
	logger    *slog.Logger

	mu             sync.Mutex
	categoryLive   map[string]twitch.Stream // login → latest category poll result
	startFollowers map[int64]int            // session id → follower baseline
	userIDs        map[string]string        // login → twitch user id

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tracker. hook may be nil.
func New(cfg Config, tw StreamLister, streamers *store.StreamerRepo, live *store.LiveRepo, hook OfflineHook) *Tracker {
	return &Tracker{
		cfg:            cfg,
		tw:             tw,
		streamers:      streamers,
		live:           live,
		hook:           hook,
		logger:         slog.Default().With("component", "live-tracker"),
		categoryLive:   make(map[string]twitch.Stream),
		startFollowers: make(map[int64]int),
		userIDs:        make(map[string]string),
	}
}

// Start launches the poll loop. The first pass adopts sessions left open by
// a previous run: still-live streamers resume sampling, everyone else is
// closed immediately.
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	go t.run(ctx)

	t.logger.Info("Live tracker started",
		"poll_interval", t.cfg.PollInterval,
		"offline_misses", t.cfg.OfflineMisses,
		"category", t.cfg.TrackedCategoryID)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.logger.Info("Live tracker stopped")
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)

	t.Rehydrate(ctx)
	t.Poll(ctx)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Rehydrate adopts sessions left open by a previous run. Streamers that are
// no longer live close with ended-at = now instead of waiting out the
// missed-poll window; the rest resume through ordinary polling.
func (t *Tracker) Rehydrate(ctx context.Context) {
	open, err := t.live.OpenSessions(ctx)
	if err != nil {
		t.logger.Error("Failed to list open sessions for rehydration", "error", err)
		return
	}
	if len(open) == 0 {
		return
	}
	t.logger.Info("Adopting open sessions from previous run", "count", len(open))

	liveNow, err := t.fetchLive(ctx)
	if err != nil {
		// Leave the sessions alone; the poll loop will settle them.
		t.logger.Warn("Rehydration poll failed", "error", err)
		return
	}
	for _, session := range open {
		if _, stillLive := liveNow[session.Login]; stillLive {
			continue
		}
		t.transitionOffline(ctx, session.Login, session.ID)
	}
}

// Poll runs one reconciliation pass. Exported so tests drive the tracker
// without the ticker.
func (t *Tracker) Poll(ctx context.Context) {
	liveNow, err := t.fetchLive(ctx)
	if err != nil {
		// A failed poll must not close sessions; everyone would look
		// absent. Miss counting only happens on successful polls.
		t.logger.Warn("Poll failed, skipping reconciliation", "error", err)
		return
	}

	states, err := t.live.ListLive(ctx)
	if err != nil {
		t.logger.Error("Failed to list live state", "error", err)
		return
	}
	wasLive := make(map[string]models.LiveState, len(states))
	for _, st := range states {
		wasLive[st.Login] = st
	}

	now := time.Now()
	for login, stream := range liveNow {
		if _, ok := wasLive[login]; ok {
			st := wasLive[login]
			if err := t.live.RecordSample(ctx, login, st.ActiveSessionID, now,
				stream.Title, stream.GameName, stream.ViewerCount); err != nil {
				t.logger.Error("Failed to record sample", "login", login, "error", err)
			}
			continue
		}
		t.transitionOnline(ctx, stream)
	}

	for login, st := range wasLive {
		if _, stillLive := liveNow[login]; stillLive {
			continue
		}
		misses, err := t.live.BumpMissedPolls(ctx, login)
		if err != nil {
			t.logger.Error("Failed to bump missed polls", "login", login, "error", err)
			continue
		}
		if misses >= t.cfg.OfflineMisses {
			t.transitionOffline(ctx, login, st.ActiveSessionID)
		}
	}
}

// fetchLive merges the category poll and the partner poll into one
// login-keyed view, refreshing the category snapshot as a side effect.
// The two platform fetches are independent and run concurrently.
func (t *Tracker) fetchLive(ctx context.Context) (map[string]twitch.Stream, error) {
	g, ctx := errgroup.WithContext(ctx)

	if t.cfg.TrackedCategoryID != "" {
		g.Go(func() error {
			catStreams, err := t.tw.StreamsByCategory(ctx, t.cfg.TrackedCategoryID, t.cfg.TrackedLanguage)
			if err != nil {
				return err
			}
			snapshot := make(map[string]twitch.Stream, len(catStreams))
			for _, s := range catStreams {
				snapshot[store.Normalize(s.UserLogin)] = s
			}
			t.mu.Lock()
			t.categoryLive = snapshot
			t.mu.Unlock()
			return nil
		})
	}

	liveNow := make(map[string]twitch.Stream)
	g.Go(func() error {
		partners, err := t.streamers.ListPartners(ctx)
		if err != nil {
			return err
		}
		logins := make([]string, 0, len(partners))
		for _, p := range partners {
			logins = append(logins, p.Login)
		}
		if len(logins) == 0 {
			return nil
		}
		streams, err := t.tw.StreamsByLogins(ctx, logins)
		if err != nil {
			return err
		}
		for _, s := range streams {
			liveNow[store.Normalize(s.UserLogin)] = s
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return liveNow, nil
}

func (t *Tracker) transitionOnline(ctx context.Context, stream twitch.Stream) {
	login := store.Normalize(stream.UserLogin)

	if err := t.streamers.Ensure(ctx, login, stream.UserID); err != nil {
		t.logger.Error("Failed to ensure streamer row", "login", login, "error", err)
		return
	}

	startedAt := stream.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	sessionID, err := t.live.OpenSession(ctx, login, startedAt,
		stream.Title, stream.GameName, stream.ViewerCount)
	if err != nil {
		t.logger.Error("Failed to open session", "login", login, "error", err)
		return
	}
	t.logger.Info("Streamer went live",
		"login", login, "session_id", sessionID, "viewers", stream.ViewerCount)

	t.mu.Lock()
	if stream.UserID != "" {
		t.userIDs[login] = stream.UserID
	}
	t.mu.Unlock()

	// Follower baseline is best effort; without it the session keeps a
	// zero delta.
	if stream.UserID != "" {
		if count, err := t.tw.FollowerCount(ctx, stream.UserID); err == nil {
			t.mu.Lock()
			t.startFollowers[sessionID] = count
			t.mu.Unlock()
		}
	}
}

func (t *Tracker) transitionOffline(ctx context.Context, login string, sessionID int64) {
	closed, err := t.live.CloseSession(ctx, sessionID, time.Now())
	if err != nil {
		t.logger.Error("Failed to close session", "login", login, "session_id", sessionID, "error", err)
		return
	}
	if !closed {
		return
	}

	if err := t.live.FinalizeChatterCounts(ctx, sessionID); err != nil {
		t.logger.Error("Failed to finalize chatter counts", "session_id", sessionID, "error", err)
	}
	t.recordFollowerDelta(ctx, login, sessionID)

	session, err := t.live.GetSession(ctx, sessionID)
	if err != nil {
		t.logger.Error("Failed to load closed session", "session_id", sessionID, "error", err)
		return
	}
	t.logger.Info("Streamer went offline",
		"login", login,
		"session_id", sessionID,
		"duration_seconds", session.DurationSeconds,
		"peak_viewers", session.PeakViewers)

	if t.hook != nil {
		t.hook.OnStreamerOffline(ctx, login, session)
	}
}

func (t *Tracker) recordFollowerDelta(ctx context.Context, login string, sessionID int64) {
	t.mu.Lock()
	baseline, hasBaseline := t.startFollowers[sessionID]
	delete(t.startFollowers, sessionID)
	userID := t.userIDs[login]
	t.mu.Unlock()

	if !hasBaseline || userID == "" {
		return
	}
	count, err := t.tw.FollowerCount(ctx, userID)
	if err != nil {
		t.logger.Warn("Failed to read follower count at close", "login", login, "error", err)
		return
	}
	if err := t.live.SetFollowerDelta(ctx, sessionID, count-baseline); err != nil {
		t.logger.Error("Failed to store follower delta", "session_id", sessionID, "error", err)
	}
}

// HandleOnline processes a push online notification. The poll loop would
// catch the transition anyway; this just does it sooner.
func (t *Tracker) HandleOnline(ctx context.Context, stream twitch.Stream) {
	login := store.Normalize(stream.UserLogin)
	st, err := t.live.GetState(ctx, login)
	if err == nil && st.IsLive {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		t.logger.Error("Failed to read live state", "login", login, "error", err)
		return
	}
	t.transitionOnline(ctx, stream)
}

// HandleOffline processes a push offline notification, closing the session
// immediately instead of waiting out the missed-poll window.
func (t *Tracker) HandleOffline(ctx context.Context, login string) {
	login = store.Normalize(login)
	st, err := t.live.GetState(ctx, login)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Error("Failed to read live state", "login", login, "error", err)
		}
		return
	}
	if !st.IsLive {
		return
	}
	t.transitionOffline(ctx, login, st.ActiveSessionID)
}

// RecordChatMessage attributes a chat message to the broadcaster's open
// session. Messages while offline are dropped.
func (t *Tracker) RecordChatMessage(ctx context.Context, broadcasterLogin, chatterLogin string) {
	broadcasterLogin = store.Normalize(broadcasterLogin)
	st, err := t.live.GetState(ctx, broadcasterLogin)
	if err != nil || !st.IsLive {
		return
	}
	firstTime, err := t.live.IsFirstTimeChatter(ctx, broadcasterLogin, chatterLogin, st.ActiveSessionID)
	if err != nil {
		t.logger.Error("Failed first-time chatter lookup", "login", broadcasterLogin, "error", err)
		firstTime = false
	}
	if err := t.live.UpsertChatter(ctx, st.ActiveSessionID, chatterLogin, time.Now(), firstTime); err != nil {
		t.logger.Error("Failed to record chatter", "login", broadcasterLogin, "error", err)
	}
}

// CategoryCandidates returns the most recent category poll: everyone
// currently live in the tracked category. The raid dispatcher uses this as
// its tier-2 pool.
func (t *Tracker) CategoryCandidates() []twitch.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]twitch.Stream, 0, len(t.categoryLive))
	for _, s := range t.categoryLive {
		out = append(out, s)
	}
	return out
}

// CategoryStream returns the latest category poll entry for one login.
func (t *Tracker) CategoryStream(login string) (twitch.Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.categoryLive[store.Normalize(login)]
	return s, ok
}
