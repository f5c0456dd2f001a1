package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "local", cfg.EventBus.Backend)
	require.Equal(t, "idds.db", cfg.Database.Path)

	for name, agent := range map[string]AgentConfig{
		"clerk": cfg.Clerk, "transformer": cfg.Transformer, "carrier": cfg.Carrier,
	} {
		require.Equal(t, 600, agent.HeartbeatDelay, name)
		require.Equal(t, 10, agent.PollTimePeriod, name)
		require.Equal(t, 3, agent.MaxNumberWorkers, name)
		require.Equal(t, 3, agent.MaxNewRetries, name)
		require.Equal(t, 1800, agent.CleanLockingPeriod, name)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
database:
  path: /tmp/other.db
carrier:
  poll_time_period: 30
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "/tmp/other.db", cfg.Database.Path)
	require.Equal(t, 30, cfg.Carrier.PollTimePeriod)

	// Untouched keys keep their defaults.
	require.Equal(t, 10, cfg.Clerk.PollTimePeriod)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
