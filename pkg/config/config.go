// Package config loads bridge configuration from the environment.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
)

// Overflow policies for the Brave rate gate.
const (
	// OverflowFallbackToTavily retries on Tavily when the gate wait expires.
	OverflowFallbackToTavily = "fallback_to_tavily"
	// OverflowReject surfaces the gate timeout as a 429 to the caller.
	OverflowReject = "reject"
)

// Config holds the full bridge configuration, resolved once at startup.
type Config struct {
	Host string
	Port int

	// DatabasePath is the sqlite database location (DATABASE_URL).
	DatabasePath string

	// AdminToken protects the admin API. Compared constant-time.
	AdminToken string

	// EncryptionSecret is the AEAD key material in base64, hex, or raw form.
	EncryptionSecret string

	// EnableQueryAuth allows ?token= client authentication on /mcp.
	EnableQueryAuth bool

	RateLimitPerMinute       int
	GlobalRateLimitPerMinute int

	CooldownMs int64
	MaxRetries int

	SelectionStrategy string
	SearchSourceMode  string

	BraveMaxQPS     float64
	BraveMaxQueueMs int64
	BraveOverflow   string
	BraveTimeout    time.Duration

	CreditsRefreshLockMs int64
	CreditsCacheTTLMs    int64
	CreditsMinRemaining  int64
	CreditsCooldownMs    int64

	SettingsRefreshMs int64
	SessionIdle       time.Duration
}

func init() {
	viper.SetDefault("MCP_HOST", "0.0.0.0")
	viper.SetDefault("MCP_PORT", 8787)
	viper.SetDefault("MCP_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("MCP_GLOBAL_RATE_LIMIT_PER_MINUTE", 600)
	viper.SetDefault("MCP_COOLDOWN_MS", 60000)
	viper.SetDefault("MCP_MAX_RETRIES", 2)
	viper.SetDefault("MCP_SESSION_IDLE_MS", int64(30*time.Minute/time.Millisecond))
	viper.SetDefault("TAVILY_KEY_SELECTION_STRATEGY", "round_robin")
	viper.SetDefault("SEARCH_SOURCE_MODE", "brave_prefer_tavily_fallback")
	viper.SetDefault("BRAVE_MAX_QPS", 1.0)
	viper.SetDefault("BRAVE_MAX_QUEUE_MS", 30000)
	viper.SetDefault("BRAVE_OVERFLOW", OverflowFallbackToTavily)
	viper.SetDefault("BRAVE_HTTP_TIMEOUT_MS", 15000)
	viper.SetDefault("TAVILY_CREDITS_REFRESH_LOCK_MS", 15000)
	viper.SetDefault("TAVILY_CREDITS_CACHE_TTL_MS", 60000)
	viper.SetDefault("TAVILY_CREDITS_MIN_REMAINING", 1)
	viper.SetDefault("TAVILY_CREDITS_COOLDOWN_MS", 300000)
	viper.SetDefault("SETTINGS_REFRESH_MS", 5000)

	viper.AutomaticEnv()
}

// Load resolves the configuration from the environment and validates the
// required values. It fails fast on anything the server cannot run without.
func Load() (*Config, error) {
	cfg := &Config{
		Host:                     viper.GetString("MCP_HOST"),
		Port:                     viper.GetInt("MCP_PORT"),
		DatabasePath:             viper.GetString("DATABASE_URL"),
		AdminToken:               viper.GetString("ADMIN_API_TOKEN"),
		EncryptionSecret:         viper.GetString("KEY_ENCRYPTION_SECRET"),
		EnableQueryAuth:          viper.GetBool("ENABLE_QUERY_AUTH"),
		RateLimitPerMinute:       viper.GetInt("MCP_RATE_LIMIT_PER_MINUTE"),
		GlobalRateLimitPerMinute: viper.GetInt("MCP_GLOBAL_RATE_LIMIT_PER_MINUTE"),
		CooldownMs:               viper.GetInt64("MCP_COOLDOWN_MS"),
		MaxRetries:               viper.GetInt("MCP_MAX_RETRIES"),
		SelectionStrategy:        viper.GetString("TAVILY_KEY_SELECTION_STRATEGY"),
		SearchSourceMode:         viper.GetString("SEARCH_SOURCE_MODE"),
		BraveMaxQPS:              viper.GetFloat64("BRAVE_MAX_QPS"),
		BraveMaxQueueMs:          viper.GetInt64("BRAVE_MAX_QUEUE_MS"),
		BraveOverflow:            viper.GetString("BRAVE_OVERFLOW"),
		BraveTimeout:             time.Duration(viper.GetInt64("BRAVE_HTTP_TIMEOUT_MS")) * time.Millisecond,
		CreditsRefreshLockMs:     viper.GetInt64("TAVILY_CREDITS_REFRESH_LOCK_MS"),
		CreditsCacheTTLMs:        viper.GetInt64("TAVILY_CREDITS_CACHE_TTL_MS"),
		CreditsMinRemaining:      viper.GetInt64("TAVILY_CREDITS_MIN_REMAINING"),
		CreditsCooldownMs:        viper.GetInt64("TAVILY_CREDITS_COOLDOWN_MS"),
		SettingsRefreshMs:        viper.GetInt64("SETTINGS_REFRESH_MS"),
		SessionIdle:              time.Duration(viper.GetInt64("MCP_SESSION_IDLE_MS")) * time.Millisecond,
	}

	if cfg.DatabasePath == "" {
		return nil, errors.NewConfigError("DATABASE_URL is required", nil)
	}
	if cfg.AdminToken == "" {
		return nil, errors.NewConfigError("ADMIN_API_TOKEN is required", nil)
	}
	if len(cfg.AdminToken) < 16 {
		return nil, errors.NewConfigError("ADMIN_API_TOKEN is too short; 32+ bytes recommended", nil)
	}
	if cfg.EncryptionSecret == "" {
		return nil, errors.NewConfigError("KEY_ENCRYPTION_SECRET is required", nil)
	}
	if cfg.BraveOverflow != OverflowFallbackToTavily && cfg.BraveOverflow != OverflowReject {
		return nil, errors.NewConfigError("BRAVE_OVERFLOW must be fallback_to_tavily or reject", nil)
	}
	if cfg.BraveMaxQPS <= 0 {
		return nil, errors.NewConfigError("BRAVE_MAX_QPS must be positive", nil)
	}

	return cfg, nil
}

// BraveMinInterval converts the configured QPS ceiling into the minimum
// inter-start interval enforced by the rate gate.
func (c *Config) BraveMinInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.BraveMaxQPS)
}
