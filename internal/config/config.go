// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	APIURL         string
	DBPath         string
	Host           string
	Port           string
	HTTPTimeout    time.Duration // 0 = transport default (no timeout)
	LogLevel       slog.Level
	AllowedOrigins []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	timeout, err := getEnvDuration("BOTDESK_HTTP_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		APIURL:         strings.TrimRight(getEnv("BOTDESK_API_URL", "http://localhost:8000"), "/"),
		DBPath:         getEnv("BOTDESK_DB_PATH", "./data/botdesk.db"),
		Host:           getEnv("BOTDESK_HOST", "127.0.0.1"),
		Port:           getEnv("BOTDESK_PORT", "7070"),
		HTTPTimeout:    timeout,
		LogLevel:       ParseLevel(getEnv("BOTDESK_LOG_LEVEL", "info")),
		AllowedOrigins: splitList(getEnv("BOTDESK_ALLOWED_ORIGINS", "")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("BOTDESK_API_URL cannot be empty")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BOTDESK_API_URL must be an absolute URL, got %q", c.APIURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("BOTDESK_DB_PATH cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("BOTDESK_PORT cannot be empty")
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("BOTDESK_HTTP_TIMEOUT must be >= 0")
	}
	return nil
}

// ListenAddr is the dashboard's listen address. The default host keeps the
// dashboard reachable from this machine only.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// IsDevelopment returns true when the dashboard only talks to a local backend.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.APIURL, "localhost") ||
		strings.Contains(c.APIURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
