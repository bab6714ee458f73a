package store

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/partnerd/pkg/database"
	"github.com/streamforge/partnerd/pkg/secrets"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	client, err := database.NewClient(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client.DB()
}

func newTestSecrets(t *testing.T) *secrets.Store {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	store, err := secrets.NewStore("test", map[string][]byte{"test": key})
	require.NoError(t, err)
	return store
}

func testPolicy() FailurePolicy {
	return FailurePolicy{
		DisableThreshold: 3,
		Window:           12 * time.Hour,
		GracePeriod:      7 * 24 * time.Hour,
		RetryCooldown:    2 * time.Hour,
	}
}

func newTestRepos(t *testing.T) (*sqlx.DB, *StreamerRepo, *CredentialRepo, *LiveRepo, *RaidRepo) {
	t.Helper()
	db := newTestDB(t)
	return db,
		NewStreamerRepo(db),
		NewCredentialRepo(db, newTestSecrets(t), testPolicy()),
		NewLiveRepo(db),
		NewRaidRepo(db)
}
