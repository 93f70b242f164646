// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.KVEndpoint)
	assert.Equal(t, DefaultLockTTL, cfg.LockTTL)
	assert.Equal(t, DefaultCursorWindow, cfg.CursorWindow)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, DefaultOpDeadline, cfg.OpDeadline)
	assert.Equal(t, DefaultShutdownGrace, cfg.ShutdownGrace)
	assert.Equal(t, DefaultPositionTolerance, cfg.PositionTolerance)
	assert.Equal(t, DefaultChannelPrefix, cfg.ChannelPrefix)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PUZZLE_LISTEN_ADDR", ":9090")
	t.Setenv("PUZZLE_KV_ENDPOINT", "kv.internal:6380")
	t.Setenv("PUZZLE_LOCK_TTL_SECONDS", "60")
	t.Setenv("PUZZLE_CURSOR_WINDOW_MS", "50")
	t.Setenv("PUZZLE_POSITION_TOLERANCE", "2.5")
	t.Setenv("PUZZLE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "kv.internal:6380", cfg.KVEndpoint)
	assert.Equal(t, 60*time.Second, cfg.LockTTL)
	assert.Equal(t, 50*time.Millisecond, cfg.CursorWindow)
	assert.Equal(t, 2.5, cfg.PositionTolerance)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_FileOverlayEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backplane.yaml")
	data := []byte("listen_addr: \":7070\"\nlock_ttl_seconds: 45\nlog_level: warn\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("PUZZLE_CONFIG_FILE", path)
	t.Setenv("PUZZLE_LOG_LEVEL", "trace")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 45*time.Second, cfg.LockTTL)
	assert.Equal(t, "trace", cfg.LogLevel, "environment beats file")
}

func TestLoad_MissingFileFails(t *testing.T) {
	t.Setenv("PUZZLE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("PUZZLE_LOCK_TTL_SECONDS", "not-a-number")
	t.Setenv("PUZZLE_OTEL_SAMPLING", "lots")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultLockTTL, cfg.LockTTL)
	assert.Equal(t, 1.0, cfg.OTelSampling)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("zero lock ttl", func(t *testing.T) {
		cfg := base()
		cfg.LockTTL = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative tolerance", func(t *testing.T) {
		cfg := base()
		cfg.RotationTolerance = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("keepalive not shorter than idle timeout", func(t *testing.T) {
		cfg := base()
		cfg.KeepaliveInterval = cfg.IdleTimeout
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty kv endpoint", func(t *testing.T) {
		cfg := base()
		cfg.KVEndpoint = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestParseSeconds_NegativeUsesDefault(t *testing.T) {
	t.Setenv("PUZZLE_TEST_SECONDS", "-5")
	got := ParseSeconds("PUZZLE_TEST_SECONDS", 10*time.Second)
	assert.Equal(t, 10*time.Second, got)
}
