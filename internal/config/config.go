package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	AdminEmail    string
	AdminUsername string
	AdminPassword string

	DatabaseURL string

	// RedisAddr, when set, moves the rate-limit counters to Redis.
	// Empty means the counters live in Postgres with everything else.
	RedisAddr     string
	RedisPassword string

	ListenAddr string

	// Rate limiting and blocking thresholds. All of these must be
	// positive; Load refuses to start the service otherwise.
	MaxLoginAttempts       int
	MaxRegisterAttempts    int
	RateLimitWindowSeconds int
	MaxAPICallsPerMinute   int
	AutoBlockThreshold     int
	BlockDurationHours     int

	// EventRetentionDays trims security events older than this many
	// days. Zero keeps events forever.
	EventRetentionDays int
}

// Load reads configuration from environment variables, applies
// defaults, and validates the security thresholds. Misconfigured
// limits are a startup error, never a per-request one.
func Load() (*Config, error) {
	cfg := &Config{
		AdminEmail:    getenv("APP_ADMIN_EMAIL", "admin@localhost"),
		AdminUsername: getenv("APP_ADMIN_USER", "admin"),
		AdminPassword: getenv("APP_ADMIN_PASSWORD", "changeme"),
		DatabaseURL:   os.Getenv("APP_DATABASE_URL"),
		RedisAddr:     os.Getenv("APP_REDIS_ADDR"),
		RedisPassword: os.Getenv("APP_REDIS_PASSWORD"),
		ListenAddr:    getenv("APP_LISTEN_ADDR", ":8080"),

		MaxLoginAttempts:       getenvInt("APP_MAX_LOGIN_ATTEMPTS", 5),
		MaxRegisterAttempts:    getenvInt("APP_MAX_REGISTER_ATTEMPTS", 5),
		RateLimitWindowSeconds: getenvInt("APP_RATE_LIMIT_WINDOW", 60),
		MaxAPICallsPerMinute:   getenvInt("APP_MAX_API_CALLS_PER_MINUTE", 60),
		AutoBlockThreshold:     getenvInt("APP_AUTO_BLOCK_THRESHOLD", 5),
		BlockDurationHours:     getenvInt("APP_BLOCK_DURATION_HOURS", 24),
		EventRetentionDays:     getenvInt("APP_SECURITY_EVENT_RETENTION_DAYS", 0),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"APP_MAX_LOGIN_ATTEMPTS", c.MaxLoginAttempts},
		{"APP_MAX_REGISTER_ATTEMPTS", c.MaxRegisterAttempts},
		{"APP_RATE_LIMIT_WINDOW", c.RateLimitWindowSeconds},
		{"APP_MAX_API_CALLS_PER_MINUTE", c.MaxAPICallsPerMinute},
		{"APP_AUTO_BLOCK_THRESHOLD", c.AutoBlockThreshold},
		{"APP_BLOCK_DURATION_HOURS", c.BlockDurationHours},
	}
	for _, chk := range checks {
		if chk.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", chk.name, chk.value)
		}
	}
	if c.EventRetentionDays < 0 {
		return fmt.Errorf("APP_SECURITY_EVENT_RETENTION_DAYS must not be negative, got %d", c.EventRetentionDays)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
