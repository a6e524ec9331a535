package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thrr87/hoard/internal/auth"
)

func TestOpenAppMigratesAndBootstraps(t *testing.T) {
	t.Setenv("HOARD_DATA_DIR", t.TempDir())
	dataDir = ""

	ctx := context.Background()
	a, err := openApp(ctx)
	require.NoError(t, err)
	defer a.Close()

	var version int
	require.NoError(t, a.reader().QueryRowContext(ctx, "PRAGMA user_version").Scan(&version))
	require.Greater(t, version, 0)

	agentID, token, err := a.auther.Register(ctx, auth.RegisterInput{
		Scopes:     []string{"data:read"},
		TrustLevel: "standard",
	})
	require.NoError(t, err)
	require.NotEmpty(t, agentID)

	info, err := a.auther.Authenticate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, agentID, info.AgentID)
}

func TestAcquireServerLockRejectsSecondHolder(t *testing.T) {
	t.Setenv("HOARD_DATA_DIR", t.TempDir())
	dataDir = ""

	ctx := context.Background()
	first, err := openApp(ctx)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.acquireServerLock())

	second, err := openApp(ctx)
	require.NoError(t, err)
	defer second.Close()
	require.Error(t, second.acquireServerLock())
}
