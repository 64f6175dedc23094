package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full node configuration.
type Config struct {
	// Network identity
	ListenAddress string `yaml:"listen_address"`
	LocalDomain   string `yaml:"local_domain"`
	SecureMode    bool   `yaml:"secure_mode"`

	// Storage
	DataDir      string `yaml:"data_dir"`
	RedisAddress string `yaml:"redis_address,omitempty"`

	// Federation policy
	PermittedDomains  []string `yaml:"permitted_domains,omitempty"`
	BlockedDomains    []string `yaml:"blocked_domains,omitempty"`
	AllowLocalNetwork bool     `yaml:"allow_local_network"`

	// Admission
	MaxQueueLength         int `yaml:"max_queue_length"`
	BlockedCacheUpdateSecs int `yaml:"blocked_cache_update_secs"`
	RateLimitWindowMs      int `yaml:"rate_limit_window_ms"`

	// Delivery
	DeliveryTimeoutSecs int    `yaml:"delivery_timeout_secs"`
	ProxyURL            string `yaml:"proxy_url,omitempty"`

	// Supervision
	WatchdogIntervalSecs int `yaml:"watchdog_interval_secs"`
	ReaperIntervalSecs   int `yaml:"reaper_interval_secs"`
}

// Default returns a configuration with sane defaults for a single node.
func Default() *Config {
	return &Config{
		ListenAddress:          ":8080",
		LocalDomain:            "localhost",
		DataDir:                "./data",
		MaxQueueLength:         100,
		BlockedCacheUpdateSecs: 120,
		RateLimitWindowMs:      500,
		DeliveryTimeoutSecs:    60,
		WatchdogIntervalSecs:   10,
		ReaperIntervalSecs:     30,
	}
}

// Load reads a YAML config file and applies defaults to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv builds a configuration from environment variables, falling
// back to defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := Default()

	cfg.ListenAddress = getEnv("WARREN_LISTEN_ADDRESS", cfg.ListenAddress)
	cfg.LocalDomain = getEnv("WARREN_LOCAL_DOMAIN", cfg.LocalDomain)
	cfg.DataDir = getEnv("WARREN_DATA_DIR", cfg.DataDir)
	cfg.RedisAddress = getEnv("WARREN_REDIS_ADDRESS", cfg.RedisAddress)
	cfg.ProxyURL = getEnv("WARREN_PROXY_URL", cfg.ProxyURL)
	cfg.SecureMode = getEnvBool("WARREN_SECURE_MODE", cfg.SecureMode)
	cfg.AllowLocalNetwork = getEnvBool("WARREN_ALLOW_LOCAL_NETWORK", cfg.AllowLocalNetwork)
	cfg.MaxQueueLength = getEnvInt("WARREN_MAX_QUEUE_LENGTH", cfg.MaxQueueLength)
	cfg.BlockedCacheUpdateSecs = getEnvInt("WARREN_BLOCKED_CACHE_UPDATE_SECS", cfg.BlockedCacheUpdateSecs)
	cfg.RateLimitWindowMs = getEnvInt("WARREN_RATE_LIMIT_WINDOW_MS", cfg.RateLimitWindowMs)
	cfg.DeliveryTimeoutSecs = getEnvInt("WARREN_DELIVERY_TIMEOUT_SECS", cfg.DeliveryTimeoutSecs)

	if domains := os.Getenv("WARREN_PERMITTED_DOMAINS"); domains != "" {
		cfg.PermittedDomains = splitList(domains)
	}
	if domains := os.Getenv("WARREN_BLOCKED_DOMAINS"); domains != "" {
		cfg.BlockedDomains = splitList(domains)
	}

	return cfg
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if c.LocalDomain == "" {
		return fmt.Errorf("local_domain must be set")
	}
	if c.MaxQueueLength <= 0 {
		return fmt.Errorf("max_queue_length must be positive, got %d", c.MaxQueueLength)
	}
	if c.BlockedCacheUpdateSecs <= 0 {
		return fmt.Errorf("blocked_cache_update_secs must be positive, got %d", c.BlockedCacheUpdateSecs)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
