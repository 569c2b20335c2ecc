// Package config provides configuration management for the ego-cse service.
// It handles loading and validation of environment variables, an optional
// YAML file and a .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultPort                       = "8080"
	DefaultLogLevel                   = "info"
	DefaultPublicBaseURL              = "http://ego-ego.appspot.com"
	DefaultCSEURL                     = "http://www.google.com/cse"
	DefaultFriendFeedBaseURL          = "http://friendfeed.com"
	DefaultFriendFeedRateLimit        = 10
	DefaultFriendFeedTimeoutMs        = 10000
	DefaultFriendFeedRetryMaxAttempts = 3
	DefaultFriendFeedRetryBaseDelayMs = 200
	DefaultCacheExpirationSeconds     = 3600
	DefaultCacheL1Size                = 1000
	DefaultCacheL2Size                = 10000
	DefaultRateLimitRPS               = 20.0
	DefaultRateLimitBurst             = 40
	DefaultTracingSampleRate          = 1.0
	DefaultEnvironment                = "production"
)

// unsafeURLChars are rejected in configured origins since they would need
// escaping inside the install page's script
const unsafeURLChars = "'\"<>\\` \t\r\n"

// Config holds all configuration for the application
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// PublicBaseURL is the absolute origin advertised in OSD and cref links.
	PublicBaseURL string `yaml:"public_base_url"`
	CSEURL        string `yaml:"cse_url"`

	FriendFeedBaseURL          string `yaml:"friendfeed_base_url"`
	FriendFeedRateLimit        int    `yaml:"friendfeed_rate_limit"`
	FriendFeedTimeoutMs        int    `yaml:"friendfeed_timeout_ms"`
	FriendFeedRetryMaxAttempts int    `yaml:"friendfeed_retry_max_attempts"`
	FriendFeedRetryBaseDelayMs int    `yaml:"friendfeed_retry_base_delay_ms"`

	// CacheExpirationSeconds of 0 disables response and profile caching.
	CacheExpirationSeconds int `yaml:"cache_expiration_seconds"`
	CacheL1Size            int `yaml:"cache_l1_size"`
	CacheL2Size            int `yaml:"cache_l2_size"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// TrustProxyHeaders keys inbound rate limits by X-Forwarded-For/X-Real-IP.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	DevMode          bool `yaml:"dev_mode"`
	EnableCacheReset bool `yaml:"enable_cache_reset"`

	TracingEnabled    bool    `yaml:"tracing_enabled"`
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`
	Environment       string  `yaml:"environment"`
}

// Default returns a configuration populated with default values only
func Default() *Config {
	return &Config{
		Port:                       DefaultPort,
		LogLevel:                   DefaultLogLevel,
		PublicBaseURL:              DefaultPublicBaseURL,
		CSEURL:                     DefaultCSEURL,
		FriendFeedBaseURL:          DefaultFriendFeedBaseURL,
		FriendFeedRateLimit:        DefaultFriendFeedRateLimit,
		FriendFeedTimeoutMs:        DefaultFriendFeedTimeoutMs,
		FriendFeedRetryMaxAttempts: DefaultFriendFeedRetryMaxAttempts,
		FriendFeedRetryBaseDelayMs: DefaultFriendFeedRetryBaseDelayMs,
		CacheExpirationSeconds:     DefaultCacheExpirationSeconds,
		CacheL1Size:                DefaultCacheL1Size,
		CacheL2Size:                DefaultCacheL2Size,
		RateLimitRPS:               DefaultRateLimitRPS,
		RateLimitBurst:             DefaultRateLimitBurst,
		TracingSampleRate:          DefaultTracingSampleRate,
		Environment:                DefaultEnvironment,
	}
}

// Load loads configuration from a .env file, an optional YAML file named by
// CONFIG_FILE and environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// It's okay if .env file doesn't exist - we'll use environment variables
		_ = err // explicitly ignore the error
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays values from a YAML file. Keys absent from the file keep
// their current value.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", c.PublicBaseURL), "/")
	c.CSEURL = getEnv("CSE_URL", c.CSEURL)
	c.FriendFeedBaseURL = strings.TrimRight(getEnv("FRIENDFEED_BASE_URL", c.FriendFeedBaseURL), "/")
	c.FriendFeedRateLimit = parseIntEnv("FRIENDFEED_RATE_LIMIT", c.FriendFeedRateLimit)
	c.FriendFeedTimeoutMs = parseIntEnv("FRIENDFEED_TIMEOUT_MS", c.FriendFeedTimeoutMs)
	c.FriendFeedRetryMaxAttempts = parseIntEnv("FRIENDFEED_RETRY_MAX_ATTEMPTS", c.FriendFeedRetryMaxAttempts)
	c.FriendFeedRetryBaseDelayMs = parseIntEnv("FRIENDFEED_RETRY_BASE_DELAY_MS", c.FriendFeedRetryBaseDelayMs)
	c.CacheExpirationSeconds = parseIntEnv("CACHE_EXPIRATION_SECONDS", c.CacheExpirationSeconds)
	c.CacheL1Size = parseIntEnv("CACHE_L1_SIZE", c.CacheL1Size)
	c.CacheL2Size = parseIntEnv("CACHE_L2_SIZE", c.CacheL2Size)
	c.RateLimitRPS = parseFloatEnv("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = parseIntEnv("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.TrustProxyHeaders = parseBoolEnv("TRUST_PROXY_HEADERS", c.TrustProxyHeaders)
	c.DevMode = parseBoolEnv("DEV_MODE", c.DevMode)
	c.EnableCacheReset = parseBoolEnv("ENABLE_CACHE_RESET", c.EnableCacheReset)
	c.TracingEnabled = parseBoolEnv("TRACING_ENABLED", c.TracingEnabled)
	c.OTLPEndpoint = getEnv("OTLP_ENDPOINT", c.OTLPEndpoint)
	c.TracingSampleRate = parseFloatEnv("TRACING_SAMPLE_RATE", c.TracingSampleRate)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
}

// validate checks if all configuration fields hold usable values
func (c *Config) validate() error {
	// Validate port is a valid number
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be a valid number: %w", err)
	}

	for key, value := range map[string]string{
		"PUBLIC_BASE_URL":     c.PublicBaseURL,
		"CSE_URL":             c.CSEURL,
		"FRIENDFEED_BASE_URL": c.FriendFeedBaseURL,
	} {
		if err := ValidateHTTPURL(value); err != nil {
			return fmt.Errorf("%s is invalid: %w", key, err)
		}
	}

	if c.CacheExpirationSeconds < 0 {
		return fmt.Errorf("CACHE_EXPIRATION_SECONDS must not be negative")
	}
	if c.CacheL1Size <= 0 || c.CacheL2Size <= 0 {
		return fmt.Errorf("CACHE_L1_SIZE and CACHE_L2_SIZE must be positive")
	}
	if c.FriendFeedRateLimit <= 0 {
		return fmt.Errorf("FRIENDFEED_RATE_LIMIT must be positive")
	}
	if c.FriendFeedTimeoutMs <= 0 {
		return fmt.Errorf("FRIENDFEED_TIMEOUT_MS must be positive")
	}
	if c.FriendFeedRetryMaxAttempts < 1 {
		return fmt.Errorf("FRIENDFEED_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1")
	}

	return nil
}

// CacheExpiration returns the cache TTL as a duration
func (c *Config) CacheExpiration() time.Duration {
	return time.Duration(c.CacheExpirationSeconds) * time.Second
}

// FriendFeedTimeout returns the upstream HTTP client timeout
func (c *Config) FriendFeedTimeout() time.Duration {
	return time.Duration(c.FriendFeedTimeoutMs) * time.Millisecond
}

// ValidateHTTPURL checks that raw is an absolute http(s) URL that can be
// embedded verbatim in HTML attributes and script string literals
func ValidateHTTPURL(raw string) error {
	if i := strings.IndexAny(raw, unsafeURLChars); i >= 0 {
		return fmt.Errorf("character %q is not allowed", raw[i])
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parseIntEnv parses an integer environment variable with a fallback value
func parseIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseFloatEnv parses a float environment variable with a fallback value
func parseFloatEnv(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseBoolEnv parses a boolean environment variable with a fallback value
func parseBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
