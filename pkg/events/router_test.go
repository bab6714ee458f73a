package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/partnerd/pkg/database"
	"github.com/streamforge/partnerd/pkg/store"
	"github.com/streamforge/partnerd/pkg/twitch"
)

type fakeLive struct {
	online  []twitch.Stream
	offline []string
	chats   [][2]string
}

func (f *fakeLive) HandleOnline(_ context.Context, s twitch.Stream) {
	f.online = append(f.online, s)
}

func (f *fakeLive) HandleOffline(_ context.Context, login string) {
	f.offline = append(f.offline, login)
}

func (f *fakeLive) RecordChatMessage(_ context.Context, broadcaster, chatter string) {
	f.chats = append(f.chats, [2]string{broadcaster, chatter})
}

type fakeRaids struct {
	arrivals []string
	manual   []string
}

func (f *fakeRaids) HandleRaidArrival(_ context.Context, toID, _, fromLogin string, _ int) {
	f.arrivals = append(f.arrivals, fromLogin+"->"+toID)
}

func (f *fakeRaids) DispatchManual(_ context.Context, login string) {
	f.manual = append(f.manual, login)
}

func newRouterEnv(t *testing.T) (*Router, *fakeLive, *fakeRaids, *store.EventRepo) {
	t.Helper()
	client, err := database.NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	live := &fakeLive{}
	raids := &fakeRaids{}
	history := store.NewEventRepo(client.DB())
	return NewRouter(live, raids, history), live, raids, history
}

func TestRouteStreamLifecycle(t *testing.T) {
	router, live, _, _ := newRouterEnv(t)
	ctx := context.Background()

	require.NoError(t, router.Handle(ctx, TypeStreamOnline, json.RawMessage(
		`{"broadcaster_user_id":"u1","broadcaster_user_login":"alice","started_at":"2026-08-26T12:00:00Z"}`)))
	require.Len(t, live.online, 1)
	assert.Equal(t, "alice", live.online[0].UserLogin)
	assert.Equal(t, "u1", live.online[0].UserID)

	require.NoError(t, router.Handle(ctx, TypeStreamOffline, json.RawMessage(
		`{"broadcaster_user_login":"alice"}`)))
	assert.Equal(t, []string{"alice"}, live.offline)
}

func TestRouteRaidArrival(t *testing.T) {
	router, _, raids, _ := newRouterEnv(t)

	require.NoError(t, router.Handle(context.Background(), TypeChannelRaid, json.RawMessage(
		`{"to_broadcaster_user_id":"u-dave","to_broadcaster_user_login":"dave","from_broadcaster_user_login":"alice","viewers":38}`)))
	assert.Equal(t, []string{"alice->u-dave"}, raids.arrivals)
}

func TestChatMessageAttributionAndManualCommand(t *testing.T) {
	router, live, raids, _ := newRouterEnv(t)
	ctx := context.Background()

	// Ordinary viewer message: attribution only.
	require.NoError(t, router.Handle(ctx, TypeChatMessage, json.RawMessage(
		`{"broadcaster_user_login":"alice","chatter_user_login":"viewer1","message":{"text":"!raid"}}`)))
	assert.Empty(t, raids.manual, "viewers cannot trigger manual raids")

	// Broadcaster command triggers the manual dispatch.
	require.NoError(t, router.Handle(ctx, TypeChatMessage, json.RawMessage(
		`{"broadcaster_user_login":"alice","chatter_user_login":"Alice","message":{"text":"!raid please"}}`)))
	assert.Equal(t, []string{"alice"}, raids.manual)

	// Non-command broadcaster chatter stays quiet.
	require.NoError(t, router.Handle(ctx, TypeChatMessage, json.RawMessage(
		`{"broadcaster_user_login":"alice","chatter_user_login":"alice","message":{"text":"!raiding later"}}`)))
	assert.Len(t, raids.manual, 1)

	assert.Len(t, live.chats, 3)
}

func TestUnknownEventsLandInHistory(t *testing.T) {
	router, _, _, history := newRouterEnv(t)
	ctx := context.Background()

	require.NoError(t, router.Handle(ctx, "channel.cheer", json.RawMessage(
		`{"broadcaster_user_login":"alice","bits":100}`)))

	recent, err := history.Recent(ctx, "channel.cheer", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "alice", recent[0].BroadcasterLogin)
	assert.Contains(t, recent[0].Payload, `"bits":100`)
}

func TestMalformedPayloadRejected(t *testing.T) {
	router, live, _, _ := newRouterEnv(t)

	err := router.Handle(context.Background(), TypeStreamOnline, json.RawMessage(`{`))
	assert.Error(t, err)
	err = router.Handle(context.Background(), TypeStreamOffline, json.RawMessage(`{}`))
	assert.Error(t, err)
	assert.Empty(t, live.online)
	assert.Empty(t, live.offline)
}
