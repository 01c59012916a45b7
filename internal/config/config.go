// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every runtime setting the server reads. All values come
// from environment variables; a .env file is honored when present.
type Config struct {
	Port int
	Env  string

	LogLevel string

	// DatabaseURL selects the postgres backend. Empty means in-memory
	// stores, which is the default for local development and tests.
	DatabaseURL    string
	AutoMigrate    bool
	MigrationsPath string

	// RedisAddr selects the redis cache. Empty means in-process cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret string

	RateLimitRPS   float64
	RateLimitBurst int

	// ChainsConfigPath points at the YAML file describing anchor
	// networks. Empty or missing file disables anchoring.
	ChainsConfigPath  string
	ReconcileSchedule string

	// NotifyWebhookURL receives account events as signed POSTs. Empty
	// routes events to the log.
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	UsageQueueCapacity int
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnvAsInt("PORT", 8080),
		Env:                 getEnv("ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		AutoMigrate:         getEnvAsBool("AUTO_MIGRATE", true),
		MigrationsPath:      getEnv("MIGRATIONS_PATH", "migrations"),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvAsInt("REDIS_DB", 0),
		AuthSecret:          getEnv("AUTH_SECRET", ""),
		RateLimitRPS:        getEnvAsFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:      getEnvAsInt("RATE_LIMIT_BURST", 100),
		ChainsConfigPath:    getEnv("CHAINS_CONFIG", "config/chains.yaml"),
		ReconcileSchedule:   getEnv("RECONCILE_SCHEDULE", "*/15 * * * *"),
		NotifyWebhookURL:    getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookSecret: getEnv("NOTIFY_WEBHOOK_SECRET", ""),
		UsageQueueCapacity:  getEnvAsInt("USAGE_QUEUE_CAPACITY", 4096),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot safely run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if len(c.AuthSecret) < 16 && !c.IsDevelopment() {
		return fmt.Errorf("AUTH_SECRET must be at least 16 characters outside development")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive")
	}
	if c.UsageQueueCapacity <= 0 {
		return fmt.Errorf("USAGE_QUEUE_CAPACITY must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvAsBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes"
}
