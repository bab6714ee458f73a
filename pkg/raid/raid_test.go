package raid

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/partnerd/pkg/database"
	"github.com/streamforge/partnerd/pkg/models"
	"github.com/streamforge/partnerd/pkg/secrets"
	"github.com/streamforge/partnerd/pkg/store"
	"github.com/streamforge/partnerd/pkg/twitch"
)

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) GetValidToken(context.Context, string) (string, error) {
	return f.token, f.err
}

type raidCall struct {
	fromID string
	toID   string
}

type chatCall struct {
	broadcasterID string
	senderID      string
	message       string
}

type fakeAPI struct {
	raidErr   map[string]error // target id → scripted error
	followers map[string]int
	raids     []raidCall
	messages  []chatCall
}

func (f *fakeAPI) StartRaid(_ context.Context, _, fromID, toID string) error {
	f.raids = append(f.raids, raidCall{fromID: fromID, toID: toID})
	return f.raidErr[toID]
}

func (f *fakeAPI) FollowerCount(_ context.Context, broadcasterID string) (int, error) {
	n, ok := f.followers[broadcasterID]
	if !ok {
		return 0, fmt.Errorf("no follower data for %s", broadcasterID)
	}
	return n, nil
}

func (f *fakeAPI) SendChatMessage(_ context.Context, _, broadcasterID, senderID, message string) error {
	f.messages = append(f.messages, chatCall{broadcasterID: broadcasterID, senderID: senderID, message: message})
	return nil
}

type fakeCandidates struct {
	streams []twitch.Stream
}

func (f *fakeCandidates) CategoryCandidates() []twitch.Stream {
	return f.streams
}

type raidEnv struct {
	streamers  *store.StreamerRepo
	creds      *store.CredentialRepo
	live       *store.LiveRepo
	raids      *store.RaidRepo
	api        *fakeAPI
	candidates *fakeCandidates
	dispatcher *Dispatcher
	clock      *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newRaidEnv(t *testing.T) *raidEnv {
	t.Helper()
	ctx := context.Background()

	client, err := database.NewClient(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	sec, err := secrets.NewStore("k1", map[string][]byte{
		"k1": []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	streamers := store.NewStreamerRepo(client.DB())
	creds := store.NewCredentialRepo(client.DB(), sec, store.FailurePolicy{
		DisableThreshold: 3,
		Window:           12 * time.Hour,
		GracePeriod:      7 * 24 * time.Hour,
		RetryCooldown:    2 * time.Hour,
	})
	live := store.NewLiveRepo(client.DB())
	raids := store.NewRaidRepo(client.DB())

	api := &fakeAPI{
		raidErr:   make(map[string]error),
		followers: make(map[string]int),
	}
	candidates := &fakeCandidates{}
	clock := &fakeClock{t: time.Now()}

	d := NewDispatcher(Config{TargetCooldown: 7 * 24 * time.Hour},
		streamers, creds, live, raids, &fakeTokens{token: "tok"}, api, candidates)
	d.now = clock.now

	return &raidEnv{
		streamers:  streamers,
		creds:      creds,
		live:       live,
		raids:      raids,
		api:        api,
		candidates: candidates,
		dispatcher: d,
		clock:      clock,
	}
}

// seedOrigin makes login a raid-capable partner with stored credentials.
func (e *raidEnv) seedOrigin(t *testing.T, login, userID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.creds.SaveGrant(ctx, login, "a", "r",
		time.Now().Add(4*time.Hour), []string{"channel:manage:raids"}))
	require.NoError(t, e.streamers.Ensure(ctx, login, userID))
}

// seedLivePartner makes login a live partner broadcaster (tier-1 candidate).
func (e *raidEnv) seedLivePartner(t *testing.T, login, userID string, viewers int) {
	t.Helper()
	e.seedOrigin(t, login, userID)
	_, err := e.live.OpenSession(context.Background(), login,
		time.Now().Add(-time.Hour), login+" live", "Just Chatting", viewers)
	require.NoError(t, err)
}

func categoryStream(login, userID string, viewers int, startedAgo time.Duration) twitch.Stream {
	return twitch.Stream{
		UserID:      userID,
		UserLogin:   login,
		GameID:      "509658",
		GameName:    "Just Chatting",
		ViewerCount: viewers,
		StartedAt:   time.Now().Add(-startedAgo),
	}
}

func offlineSession(viewers int) *models.StreamSession {
	return &models.StreamSession{EndViewers: viewers}
}

func TestAutoRaidTieBreaksOnFollowers(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")

	// Three candidates tied at 10 viewers. bob has no follower data,
	// carol 500, dave 200 → dave wins the ascending tie-break.
	env.candidates.streams = []twitch.Stream{
		categoryStream("bob", "u-bob", 10, time.Hour),
		categoryStream("carol", "u-carol", 10, time.Hour),
		categoryStream("dave", "u-dave", 10, time.Hour),
	}
	env.api.followers["u-carol"] = 500
	env.api.followers["u-dave"] = 200

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(42))

	require.Len(t, env.api.raids, 1)
	assert.Equal(t, raidCall{fromID: "u-alice", toID: "u-dave"}, env.api.raids[0])

	history, err := env.raids.HistoryFor(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "dave", history[0].ToLogin)
	assert.Equal(t, 42, history[0].Viewers)
	assert.True(t, history[0].Success)
	assert.Equal(t, models.RaidReasonAutoOffline, history[0].Reason)
	assert.Equal(t, 3, history[0].CandidatePool)
	assert.Equal(t, 1, env.dispatcher.PendingCount())
}

func TestPartnerTierPreferredOverCategory(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.seedLivePartner(t, "partnerpal", "u-pal", 100)
	env.candidates.streams = []twitch.Stream{
		categoryStream("tiny", "u-tiny", 2, time.Hour),
	}

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(30))

	// Bigger partner still beats the smaller category stream.
	require.Len(t, env.api.raids, 1)
	assert.Equal(t, "u-pal", env.api.raids[0].toID)
}

func TestRefusedCategoryTargetBlacklistedThenNextTried(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("norabbits", "u-nr", 5, time.Hour),
		categoryStream("friendly", "u-fr", 8, time.Hour),
	}
	env.api.raidErr["u-nr"] = fmt.Errorf("raid: %w", twitch.ErrRaidRefused)

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(30))

	require.Len(t, env.api.raids, 2)
	assert.Equal(t, "u-fr", env.api.raids[1].toID)

	blacklisted, err := env.raids.IsBlacklisted(ctx, "norabbits")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	history, err := env.raids.HistoryFor(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Success) // newest first
	assert.False(t, history[1].Success)
}

func TestRefusedPartnerTargetNotBlacklisted(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.seedLivePartner(t, "pal", "u-pal", 5)
	env.api.raidErr["u-pal"] = fmt.Errorf("raid: %w", twitch.ErrRaidRefused)

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(30))

	blacklisted, err := env.raids.IsBlacklisted(ctx, "pal")
	require.NoError(t, err)
	assert.False(t, blacklisted, "partner refusals are an opt-out setting, not a blacklist entry")
}

func TestFatalErrorAbandonsTrigger(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("first", "u-1", 5, time.Hour),
		categoryStream("second", "u-2", 8, time.Hour),
	}
	env.api.raidErr["u-1"] = fmt.Errorf("raid: %w", twitch.ErrRaidFatal)

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(30))

	assert.Len(t, env.api.raids, 1, "fatal errors must not try further candidates")
	assert.Zero(t, env.dispatcher.PendingCount())
}

func TestCooldownExcludesRecentTargetWhenAlternativesExist(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("dave", "u-dave", 5, time.Hour),
		categoryStream("bob", "u-bob", 50, time.Hour),
	}
	require.NoError(t, env.raids.InsertHistory(ctx, models.RaidHistoryEntry{
		FromLogin: "alice", ToLogin: "dave", Success: true,
	}))

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(30))

	require.Len(t, env.api.raids, 1)
	assert.Equal(t, "u-bob", env.api.raids[0].toID, "recently raided target must yield to alternatives")
}

func TestCooldownIgnoredWhenNoAlternatives(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("dave", "u-dave", 5, time.Hour),
	}
	require.NoError(t, env.raids.InsertHistory(ctx, models.RaidHistoryEntry{
		FromLogin: "alice", ToLogin: "dave", Success: true,
	}))

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(30))

	require.Len(t, env.api.raids, 1)
	assert.Equal(t, "u-dave", env.api.raids[0].toID)
}

func TestDisabledOriginNeverRaids(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("bob", "u-bob", 5, time.Hour),
	}
	require.NoError(t, env.streamers.SetAutoRaid(ctx, "alice", false))

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(30))

	assert.Empty(t, env.api.raids)
}

func TestArrivalConsumesPendingAndSendsMessage(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.streamers.Ensure(ctx, "dave", "u-dave")
	env.candidates.streams = []twitch.Stream{
		categoryStream("dave", "u-dave", 5, time.Hour),
	}
	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(42))
	require.Equal(t, 1, env.dispatcher.PendingCount())

	env.dispatcher.HandleRaidArrival(ctx, "u-dave", "dave", "alice", 38)

	assert.Zero(t, env.dispatcher.PendingCount())
	require.Len(t, env.api.messages, 1)
	assert.Equal(t, "u-dave", env.api.messages[0].broadcasterID)
	assert.Equal(t, "u-alice", env.api.messages[0].senderID)
	assert.Contains(t, env.api.messages[0].message, "alice")

	// A replayed arrival finds no entry and only arms suppression.
	env.dispatcher.HandleRaidArrival(ctx, "u-dave", "dave", "alice", 38)
	assert.Len(t, env.api.messages, 1)
	assert.True(t, env.dispatcher.IsSuppressed("alice"))
}

func TestArrivalOriginMismatchKeepsEntry(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("dave", "u-dave", 5, time.Hour),
	}
	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(42))

	env.dispatcher.HandleRaidArrival(ctx, "u-dave", "dave", "stranger", 12)

	assert.Equal(t, 1, env.dispatcher.PendingCount(), "mismatched arrival must not consume the entry")
	assert.Empty(t, env.api.messages)
}

func TestExternalRaidSuppressesOffline(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("bob", "u-bob", 5, time.Hour),
	}

	// alice raids erin by hand; we only see the arrival.
	env.dispatcher.HandleRaidArrival(ctx, "u-erin", "erin", "alice", 50)
	assert.True(t, env.dispatcher.IsSuppressed("alice"))

	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(50))
	assert.Empty(t, env.api.raids, "offline trigger inside the suppression window must abort")

	// Past the window the origin can auto-raid again.
	env.clock.advance(4 * time.Minute)
	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(50))
	assert.Len(t, env.api.raids, 1)
}

func TestManualDispatchSuppressesFollowingOffline(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("bob", "u-bob", 5, time.Hour),
		categoryStream("carol", "u-carol", 9, time.Hour),
	}

	env.dispatcher.DispatchManual(ctx, "alice")
	require.Len(t, env.api.raids, 1)

	history, err := env.raids.HistoryFor(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RaidReasonManualChat, history[0].Reason)

	// The stream ends right after; the auto-raid must not double-fire.
	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(30))
	assert.Len(t, env.api.raids, 1)
}

func TestMessageOptOutSilencesArrival(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.streamers.Ensure(ctx, "dave", "u-dave")
	require.NoError(t, env.streamers.SetRaidMsgOptOut(ctx, "dave", true))
	env.candidates.streams = []twitch.Stream{
		categoryStream("dave", "u-dave", 5, time.Hour),
	}
	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(42))

	env.dispatcher.HandleRaidArrival(ctx, "u-dave", "dave", "alice", 38)

	assert.Zero(t, env.dispatcher.PendingCount(), "entry is still consumed")
	assert.Empty(t, env.api.messages)
}

func TestReapDropsStalePending(t *testing.T) {
	env := newRaidEnv(t)
	ctx := context.Background()
	env.seedOrigin(t, "alice", "u-alice")
	env.candidates.streams = []twitch.Stream{
		categoryStream("dave", "u-dave", 5, time.Hour),
	}
	env.dispatcher.OnStreamerOffline(ctx, "alice", offlineSession(42))
	require.Equal(t, 1, env.dispatcher.PendingCount())

	// Young entries survive the reap.
	env.clock.advance(2 * time.Minute)
	env.dispatcher.ReapPending()
	assert.Equal(t, 1, env.dispatcher.PendingCount())

	env.clock.advance(4 * time.Minute)
	env.dispatcher.ReapPending()
	assert.Zero(t, env.dispatcher.PendingCount())
}

func TestPostRaidMessageWording(t *testing.T) {
	partner := postRaidMessage("alice", 40, 3, true)
	first := postRaidMessage("alice", 40, 0, false)
	repeat := postRaidMessage("alice", 40, 3, false)

	assert.Contains(t, partner, "Partner")
	assert.Contains(t, first, "First")
	assert.NotContains(t, repeat, "First")
}
