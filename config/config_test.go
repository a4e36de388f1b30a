package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"LISTEN_ADDR", "BEDRIFTSGRAFEN_API_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 6, cfg.Markers.MinZoom)
	assert.Equal(t, 60*time.Second, cfg.Markers.FreshFor)
	assert.Equal(t, 2, cfg.Markers.Retries)
	assert.Equal(t, 16, cfg.Cluster.MaxZoom)
	assert.Equal(t, 60.0, cfg.Cluster.Radius)
	assert.Equal(t, 18, cfg.Map.MaxExpansionZoom)
	assert.False(t, cfg.Redis.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestSaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Upstream.BaseURL = "http://localhost:9000"
	cfg.Markers.FreshFor = 90 * time.Second
	cfg.Cluster.Radius = 80
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", loaded.Upstream.BaseURL)
	assert.Equal(t, 90*time.Second, loaded.Markers.FreshFor)
	assert.Equal(t, 80.0, loaded.Cluster.Radius)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Addr, cfg.Server.Addr)
}

func TestLoadPartialYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("markers:\n  min_zoom: 8\n  fresh_for: 2m\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Markers.MinZoom)
	assert.Equal(t, 2*time.Minute, cfg.Markers.FreshFor)
	assert.Equal(t, 2, cfg.Markers.Retries, "untouched fields keep defaults")
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BEDRIFTSGRAFEN_API_URL", "http://api.test")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://api.test", cfg.Upstream.BaseURL)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.True(t, cfg.Logging.JSON)
}

func TestInvalidRedisDB(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_DB", "first")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\n"), 0o644))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "debug", os.Getenv("LOG_LEVEL"))
}
