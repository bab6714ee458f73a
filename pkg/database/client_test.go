package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientAppliesMigrations(t *testing.T) {
	ctx := context.Background()

	client, err := NewClient(ctx, ":memory:")
	require.NoError(t, err)
	defer client.Close()

	// Every core table must exist after migration.
	tables := []string{
		"streamers", "credential_grants", "auth_failures",
		"live_state", "stream_sessions", "session_samples",
		"session_chatters", "raid_history", "raid_blacklist",
		"platform_events",
	}
	for _, table := range tables {
		var name string
		err := client.DB().GetContext(ctx, &name,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		assert.NoError(t, err, "table %s should exist", table)
	}

	// follower_delta is required (added in migration 000002).
	var count int
	err = client.DB().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM pragma_table_info('stream_sessions') WHERE name = 'follower_delta'`)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewClientIsIdempotentOnReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/partnerd.db"

	client, err := NewClient(ctx, path)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	// Reopening an already-migrated database must not fail.
	client, err = NewClient(ctx, path)
	require.NoError(t, err)
	defer client.Close()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}
