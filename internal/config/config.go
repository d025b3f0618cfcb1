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
	Port        string
	FrontendURL string
	DBPath      string

	// APIToken guards the REST surface when set. Supplied externally,
	// never logged in full.
	APIToken string

	ModelBaseURL string
	ModelName    string

	MaxMemoryTurns int
	MaxScanHistory int
	ContentLimit   int

	ChatTimeout     time.Duration
	ScanTimeout     time.Duration
	RedirectTimeout time.Duration
	FetchTimeout    time.Duration

	ChatReceiveTimeout time.Duration
	ScanReceiveTimeout time.Duration
	SessionIdleLimit   time.Duration
	ProgressInterval   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/pagewarden.db"),
		APIToken:    getEnv("API_TOKEN", ""),

		ModelBaseURL: getEnv("MODEL_BASE_URL", "http://localhost:11434"),
		ModelName:    getEnv("MODEL_NAME", "llama2:7b-chat-q4_0"),

		MaxMemoryTurns: getEnvInt("MAX_MEMORY_TURNS", 5),
		MaxScanHistory: getEnvInt("MAX_SCAN_HISTORY", 5),
		ContentLimit:   getEnvInt("CONTENT_LIMIT", 6000),

		ChatTimeout:     getEnvDuration("CHAT_TIMEOUT", 30*time.Second),
		ScanTimeout:     getEnvDuration("SCAN_TIMEOUT", 50*time.Second),
		RedirectTimeout: getEnvDuration("REDIRECT_TIMEOUT", 8*time.Second),
		FetchTimeout:    getEnvDuration("FETCH_TIMEOUT", 8*time.Second),

		ChatReceiveTimeout: getEnvDuration("CHAT_RECEIVE_TIMEOUT", 120*time.Second),
		ScanReceiveTimeout: getEnvDuration("SCAN_RECEIVE_TIMEOUT", 15*time.Second),
		SessionIdleLimit:   getEnvDuration("SESSION_IDLE_LIMIT", 300*time.Second),
		ProgressInterval:   getEnvDuration("PROGRESS_INTERVAL", 2*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ModelBaseURL == "" {
		return fmt.Errorf("MODEL_BASE_URL cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.MaxMemoryTurns <= 0 {
		return fmt.Errorf("MAX_MEMORY_TURNS must be > 0")
	}
	if c.MaxScanHistory <= 0 {
		return fmt.Errorf("MAX_SCAN_HISTORY must be > 0")
	}
	if c.ContentLimit <= 0 {
		return fmt.Errorf("CONTENT_LIMIT must be > 0")
	}
	if c.ChatTimeout <= 0 || c.ScanTimeout <= 0 {
		return fmt.Errorf("CHAT_TIMEOUT and SCAN_TIMEOUT must be > 0")
	}
	if c.SessionIdleLimit < c.ChatReceiveTimeout {
		return fmt.Errorf("SESSION_IDLE_LIMIT must be >= CHAT_RECEIVE_TIMEOUT")
	}
	return nil
}

// TokenPrefix returns a loggable prefix of the API token.
func (c *Config) TokenPrefix() string {
	if len(c.APIToken) <= 4 {
		return strings.Repeat("*", len(c.APIToken))
	}
	return c.APIToken[:4] + "..."
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	trimmed := strings.TrimSpace(value)
	if d, err := time.ParseDuration(trimmed); err == nil {
		return d
	}
	// Bare numbers are read as seconds.
	if n, err := strconv.Atoi(trimmed); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
