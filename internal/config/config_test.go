package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	cfg, v, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "mpv", cfg.Player.Executable)
	assert.Equal(t, 10*time.Second, cfg.Progress.Interval)
	assert.Equal(t, 3, cfg.Progress.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Player.ChapterRestartWindow)
	assert.Equal(t, 30*24*time.Hour, cfg.Records.PruneAfter)
	assert.True(t, cfg.Database.WALMode)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, SaveDefaultConfig(path))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	// Values from the file round-trip through viper's duration parsing.
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("PLAYCORE_SERVER_BASE_URL", "https://media.example.com")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com", cfg.Server.BaseURL)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), tt.in)
	}
}
