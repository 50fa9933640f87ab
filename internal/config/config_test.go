package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOTDESK_API_URL", "http://localhost:8000/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.APIURL)
	assert.Equal(t, "./data/botdesk.db", cfg.DBPath)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "127.0.0.1:7070", cfg.ListenAddr())
	assert.Equal(t, time.Duration(0), cfg.HTTPTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOTDESK_API_URL", "https://desk.example.com")
	t.Setenv("BOTDESK_HTTP_TIMEOUT", "15")
	t.Setenv("BOTDESK_HOST", "::")
	t.Setenv("BOTDESK_LOG_LEVEL", "debug")
	t.Setenv("BOTDESK_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "[::]:7070", cfg.ListenAddr())
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadRejectsRelativeAPIURL(t *testing.T) {
	t.Setenv("BOTDESK_API_URL", "api.example.com")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadParsesDurationTimeout(t *testing.T) {
	t.Setenv("BOTDESK_API_URL", "http://localhost:8000")
	t.Setenv("BOTDESK_HTTP_TIMEOUT", "1m30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.HTTPTimeout)
}
