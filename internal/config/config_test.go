package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()

	t.Setenv("DOWNLOAD_DIR", "/data/downloads")
	t.Setenv("LIBRARY_DIR", "/data/library")
	t.Setenv("MIRROR_BASE_URL", "https://mirror.example.com")
	t.Setenv("CATALOG_BASE_URL", "https://catalog.example.com")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "bookhound.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, time.Hour, cfg.QuotaBackoff)
	assert.Equal(t, 5*time.Minute, cfg.RetryCooldown)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
	assert.True(t, cfg.ISBNFirst)
	assert.True(t, cfg.YearNarrowing)
	assert.Equal(t, 6*time.Hour, cfg.ListPollInterval)
	assert.Equal(t, 24*time.Hour, cfg.KeepFailedFor)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "bookhound", cfg.Telemetry.ServiceName)
	assert.Equal(t, "0.0.0.0:8085", cfg.Web.BindAddress)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("QUOTA_BACKOFF", "30m")
	t.Setenv("ISBN_FIRST", "false")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("API_USERNAME", "admin")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, 30*time.Minute, cfg.QuotaBackoff)
	assert.False(t, cfg.ISBNFirst)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "admin", cfg.API.Username)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	setRequired(t)

	// t.Setenv records the original value for restore; the variable still
	// has to disappear for the required check to trip.
	os.Unsetenv("DOWNLOAD_DIR")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}

	for level, want := range tests {
		cfg := &Config{LogLevel: level}
		assert.Equal(t, want, cfg.SlogLevel(), level)
	}
}
