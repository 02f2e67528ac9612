package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CACHE_DIR", "/var/cache/filecache")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/filecache", cfg.CacheDir)
	assert.Zero(t, cfg.MaxConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, "transfers.db", cfg.DBPath)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.Equal(t, 30*time.Second, cfg.Web.ShutdownTimeout)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "filecache", cfg.Telemetry.ServiceName)
	assert.Empty(t, cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CACHE_DIR", "/tmp/cache")
	t.Setenv("MAX_CONCURRENCY", "8")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("WEB_USERNAME", "admin")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.Equal(t, "admin", cfg.Web.Username)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing cache dir", func(t *testing.T) {
		t.Setenv("CACHE_DIR", "")

		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("negative concurrency", func(t *testing.T) {
		t.Setenv("CACHE_DIR", "/tmp/cache")
		t.Setenv("MAX_CONCURRENCY", "-1")

		_, err := LoadConfig()
		assert.ErrorContains(t, err, "MAX_CONCURRENCY")
	})
}
