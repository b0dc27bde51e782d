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

	// AuthRequired controls the handshake policy: when false, clients that
	// present no credential get a first-class anonymous identity.
	AuthRequired bool

	// ConfidenceThreshold is the minimum classifier confidence needed to
	// treat free text as a command instead of conversation.
	ConfidenceThreshold float64

	HandshakeTimeout time.Duration
	ClassifyTimeout  time.Duration
	StoreTimeout     time.Duration
	ReplyTimeout     time.Duration

	ChatRate     RateConfig
	DispatchRate RateConfig

	ExecutorWorkers int
	MediaAPIURL     string
	MediaAPIKey     string

	AI AIConfig
}

// RateConfig bounds one category of inbound events per identity.
type RateConfig struct {
	MaxEvents int
	Window    time.Duration
}

// AIConfig holds Ark model settings for intent classification and replies.
type AIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float32
	MaxTokens   *int
}

// Enabled reports whether the required model credentials are present.
func (c AIConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/reelgate.db"),
		AuthRequired:        getEnvBool("AUTH_REQUIRED", false),
		ConfidenceThreshold: getEnvFloat("INTENT_CONFIDENCE_THRESHOLD", 0.5),
		HandshakeTimeout:    getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		ClassifyTimeout:     getEnvDuration("CLASSIFY_TIMEOUT", 15*time.Second),
		StoreTimeout:        getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		ReplyTimeout:        getEnvDuration("REPLY_TIMEOUT", 30*time.Second),
		ChatRate: RateConfig{
			MaxEvents: getEnvInt("CHAT_RATE_MAX", 30),
			Window:    getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		},
		DispatchRate: RateConfig{
			MaxEvents: getEnvInt("DISPATCH_RATE_MAX", 10),
			Window:    getEnvDuration("DISPATCH_RATE_WINDOW", time.Minute),
		},
		ExecutorWorkers: getEnvInt("EXECUTOR_WORKERS", 4),
		MediaAPIURL:     getEnv("MEDIA_API_URL", ""),
		MediaAPIKey:     getEnv("MEDIA_API_KEY", ""),
		AI: AIConfig{
			APIKey:      getEnv("ARK_API_KEY", ""),
			Model:       getEnv("ARK_MODEL", ""),
			BaseURL:     getEnv("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			Region:      getEnv("ARK_REGION", "cn-beijing"),
			Temperature: getEnvOptFloat32("ARK_TEMPERATURE"),
			MaxTokens:   getEnvOptInt("ARK_MAX_TOKENS"),
		},
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
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("INTENT_CONFIDENCE_THRESHOLD must be in [0,1]")
	}
	if c.ChatRate.MaxEvents <= 0 || c.DispatchRate.MaxEvents <= 0 {
		return fmt.Errorf("rate limit max events must be > 0")
	}
	if c.ChatRate.Window <= 0 || c.DispatchRate.Window <= 0 {
		return fmt.Errorf("rate limit windows must be > 0")
	}
	if c.ExecutorWorkers <= 0 {
		return fmt.Errorf("EXECUTOR_WORKERS must be > 0")
	}
	return nil
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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

func getEnvOptFloat32(key string) *float32 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		return nil
	}
	out := float32(f)
	return &out
}

func getEnvOptInt(key string) *int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return nil
	}
	return &n
}
