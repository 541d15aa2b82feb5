// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	AgentKey     string
	ServerURL    string // websocket URL of the control server
	BaseURL      string // HTTP base URL of the control server, used by poll mode
	StatusAddr   string // listen address of the local status surface, "" disables it
	PingInterval time.Duration
	PollInterval time.Duration // delay between poll rounds, 0 polls once
	LogLevel     slog.Level
	Upstream     UpstreamConfig
}

// UpstreamConfig controls calls to the account and game services.
type UpstreamConfig struct {
	AccountBaseURL string
	BindingBaseURL string
	GameBaseURL    string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// RequestsPerSecond paces upstream calls; <= 0 disables pacing.
	RequestsPerSecond float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AgentKey:     getEnv("AGENT_KEY", ""),
		ServerURL:    serverURL(),
		BaseURL:      getEnv("BASE_URL", "http://localhost:8080"),
		StatusAddr:   getEnv("STATUS_ADDR", ":9090"),
		PingInterval: getEnvDuration("PING_INTERVAL", time.Minute),
		PollInterval: getEnvDuration("POLL_INTERVAL", 0),
		LogLevel:     getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Upstream: UpstreamConfig{
			AccountBaseURL:    getEnv("ACCOUNT_BASE_URL", "https://as.hypergryph.com"),
			BindingBaseURL:    getEnv("BINDING_BASE_URL", "https://binding-api-account-prod.hypergryph.com"),
			GameBaseURL:       getEnv("GAME_BASE_URL", "https://ak.hypergryph.com"),
			ConnectTimeout:    getEnvDuration("HTTP_CONNECT_TIMEOUT", 5*time.Second),
			RequestTimeout:    getEnvDuration("HTTP_REQUEST_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvFloat("UPSTREAM_RPS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.AgentKey == "" {
		return fmt.Errorf("AGENT_KEY cannot be empty")
	}
	if err := checkURL("SERVER_URL", c.ServerURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("BASE_URL", c.BaseURL, "http", "https"); err != nil {
		return err
	}
	for name, u := range map[string]string{
		"ACCOUNT_BASE_URL": c.Upstream.AccountBaseURL,
		"BINDING_BASE_URL": c.Upstream.BindingBaseURL,
		"GAME_BASE_URL":    c.Upstream.GameBaseURL,
	} {
		if err := checkURL(name, u, "http", "https"); err != nil {
			return err
		}
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be > 0")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("POLL_INTERVAL must be >= 0")
	}
	if c.Upstream.ConnectTimeout <= 0 || c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be > 0")
	}
	return nil
}

// serverURL builds the control server URL from SERVER_URL, or from the
// SERVER_HOST/SERVER_PORT/SERVER_PATH/SERVER_TLS parts.
func serverURL() string {
	if v := getEnv("SERVER_URL", ""); v != "" {
		return v
	}
	scheme := "ws"
	if getEnvBool("SERVER_TLS", false) {
		scheme = "wss"
	}
	host := getEnv("SERVER_HOST", "localhost")
	if port := getEnv("SERVER_PORT", ""); port != "" {
		host += ":" + port
	}
	u := url.URL{Scheme: scheme, Host: host, Path: getEnv("SERVER_PATH", "/agent/ws")}
	return u.String()
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be one of %v, got %q", name, schemes, u.Scheme)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
