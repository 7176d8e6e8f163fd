package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadAppliesDefaultsAndFileValues(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "network:\n  listen_addrs:\n    - /ip4/0.0.0.0/tcp/8776\n  discovery_tag: driftwood-lan\n")

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	require.Equal(t, []string{"/ip4/0.0.0.0/tcp/8776"}, cfg.Network.ListenAddrs)
	require.Equal(t, "driftwood-lan", cfg.Network.DiscoveryTag)
	require.Equal(t, 1, cfg.Replication.ReplicationFactorMin)
	require.Equal(t, 3, cfg.Replication.ReplicationFactorMax)
	require.Equal(t, "WAL", cfg.Storage.JournalMode)
	require.Equal(t, dir, cfg.Home)
}

func TestLoadMergesEnvironmentOverlay(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "logging:\n  level: info\n")
	writeConfig(t, dir, "config.dev.yaml", "logging:\n  level: debug\n")

	cfg, err := Load(dir, "dev")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvUsesDriftwoodEnvVariable(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "logging:\n  level: info\n")
	writeConfig(t, dir, "config.staging.yaml", "logging:\n  level: warn\n")

	require.NoError(t, os.Setenv("DRIFTWOOD_ENV", "staging"))
	t.Cleanup(func() { os.Unsetenv("DRIFTWOOD_ENV") })

	cfg, err := LoadFromEnv(dir)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Logging.Level)
}
