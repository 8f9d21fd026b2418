package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Defaults().Server.ListenAddr, cfg.Server.ListenAddr)
	require.Equal(t, 32, cfg.Gate.MaxConcurrentUpstream)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":9090\"\ngate:\n  max_concurrent_upstream: 8\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.ListenAddr)
	require.Equal(t, 8, cfg.Gate.MaxConcurrentUpstream)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":9090\"\n"), 0o600))
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("FAILURE_THRESHOLD", "9")
	t.Setenv("ACQUIRE_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.ListenAddr)
	require.Equal(t, 9, cfg.Pool.FailureThreshold)
	require.Equal(t, 5*time.Second, cfg.Gate.AcquireTimeout)
}

func TestManagerReloadNotifiesSubscribers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":1111\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	manager := NewManager(cfg)

	var seen *Config
	manager.OnReload(func(next *Config) { seen = next })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_addr: \":2222\"\n"), 0o600))
	require.NoError(t, manager.Reload(path))

	require.Equal(t, ":2222", manager.Current().Server.ListenAddr)
	require.NotNil(t, seen)
	require.Equal(t, ":2222", seen.Server.ListenAddr)
}
