// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	APIPort         string
	ProxyPort       string
	ProxyBaseDomain string
	DatabaseURL     string
	SandboxEndpoint string

	BrowserAPIURL       string
	BrowserWSHost       string
	BrowserCleanupDelay time.Duration
	ReconcileInterval   time.Duration
	MaxDaemonRetries    int

	StreamPortLo int
	StreamPortHi int

	ProxyIdleTimeout time.Duration

	// Shared volume names mounted into every session cluster.
	WorkspacesVolume  string
	AuthVolume        string
	BrowserSockVolume string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIPort:         getEnv("API_PORT", "4100"),
		ProxyPort:       getEnv("PROXY_PORT", "4180"),
		ProxyBaseDomain: getEnv("PROXY_BASE_DOMAIN", "lab.localhost"),
		DatabaseURL:     getEnv("DATABASE_URL", "./data/lab.db"),
		SandboxEndpoint: getEnv("SANDBOX_ENDPOINT", ""),

		BrowserAPIURL:       getEnv("BROWSER_API_URL", "http://localhost:9222"),
		BrowserWSHost:       getEnv("BROWSER_WS_HOST", "localhost"),
		BrowserCleanupDelay: getEnvMillis("BROWSER_CLEANUP_DELAY_MS", 10*time.Second),
		ReconcileInterval:   getEnvMillis("RECONCILE_INTERVAL_MS", 5*time.Second),
		MaxDaemonRetries:    getEnvInt("MAX_DAEMON_RETRIES", 3),

		ProxyIdleTimeout: getEnvMillis("PROXY_IDLE_TIMEOUT_MS", 255*time.Second),

		WorkspacesVolume:  getEnv("WORKSPACES_VOLUME", "workspaces"),
		AuthVolume:        getEnv("AUTH_VOLUME", "opencode-auth"),
		BrowserSockVolume: getEnv("BROWSER_SOCKET_VOLUME", "browser-socket"),
	}

	lo, hi, err := parsePortRange(getEnv("STREAM_PORT_RANGE", "9300-9500"))
	if err != nil {
		return nil, fmt.Errorf("invalid STREAM_PORT_RANGE: %w", err)
	}
	cfg.StreamPortLo = lo
	cfg.StreamPortHi = hi

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIPort == "" {
		return fmt.Errorf("API_PORT cannot be empty")
	}
	if c.ProxyPort == "" {
		return fmt.Errorf("PROXY_PORT cannot be empty")
	}
	if c.ProxyBaseDomain == "" {
		return fmt.Errorf("PROXY_BASE_DOMAIN cannot be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if c.MaxDaemonRetries <= 0 {
		return fmt.Errorf("MAX_DAEMON_RETRIES must be > 0")
	}
	if c.StreamPortLo > c.StreamPortHi {
		return fmt.Errorf("STREAM_PORT_RANGE low end exceeds high end")
	}
	return nil
}

func parsePortRange(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected lo-hi, got %q", s)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("low bound %q: %w", parts[0], err)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("high bound %q: %w", parts[1], err)
	}
	if lo < 1 || hi > 65535 || lo > hi {
		return 0, 0, fmt.Errorf("range %d-%d out of bounds", lo, hi)
	}
	return lo, hi, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
