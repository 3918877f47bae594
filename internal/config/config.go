// Package config loads runtime settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings loaded from env vars.
type Config struct {
	InstanceID  string
	HTTPAddr    string
	Environment string
	LogLevel    string

	DatabaseURL string

	SentryDSN    string
	EnableSentry bool

	// SessionSecret signs the tokens websocket clients authenticate with.
	SessionSecret string

	Redis RedisConfig
	SMTP  SMTPConfig
	FCM   FCMConfig

	Balancer BalancerConfig

	// Orchestrator-level cap applied on top of per-tier attempt budgets.
	NotificationMaxAttempts int

	// Delivered/failed tracking records older than this many days are purged.
	CleanupDays int

	CORSOrigins []string

	RateLimitWindow time.Duration
	RateLimitMax    int

	RequestTimeout time.Duration
}

// RedisConfig holds the queue substrate and pub/sub connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       int
}

// URL renders the config as a redis:// connection URL.
func (r RedisConfig) URL() string {
	auth := ""
	if r.Username != "" || r.Password != "" {
		auth = fmt.Sprintf("%s:%s@", r.Username, r.Password)
	}
	return fmt.Sprintf("redis://%s%s:%d/%d", auth, r.Host, r.Port, r.DB)
}

// SMTPConfig holds mail transport credentials.
type SMTPConfig struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// FCMConfig holds push provider credentials. Either a service-account
// file path or the individual fields may be supplied.
type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
	ClientEmail     string
	PrivateKey      string
}

// BalancerConfig holds load balancer settings.
type BalancerConfig struct {
	Port                int
	InstanceAddrs       []string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// Load loads configuration from environment variables.
// Required variables: DATABASE_URL.
func Load() Config {
	return Config{
		InstanceID:   envOr("INSTANCE_ID", hostnameOr("instance-1")),
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		Environment:  envOr("ENVIRONMENT", "development"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		DatabaseURL:  envRequired("DATABASE_URL"),
		SentryDSN:    envOr("SENTRY_DSN", ""),
		EnableSentry: envBool("ENABLE_SENTRY", true),

		SessionSecret: envOr("SESSION_SECRET", "dev-session-secret"),
		Redis: RedisConfig{
			Host:     envOr("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Username: envOr("REDIS_USERNAME", ""),
			Password: envOr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     envOr("SMTP_HOST", "localhost"),
			Port:     envInt("SMTP_PORT", 587),
			UseTLS:   envBool("SMTP_TLS", true),
			Username: envOr("SMTP_USERNAME", ""),
			Password: envOr("SMTP_PASSWORD", ""),
			From:     envOr("SMTP_FROM", "no-reply@notifyhub.local"),
			Timeout:  envDuration("SMTP_TIMEOUT", 45*time.Second),
		},
		FCM: FCMConfig{
			CredentialsFile: envOr("FCM_CREDENTIALS_FILE", ""),
			ProjectID:       envOr("FCM_PROJECT_ID", ""),
			ClientEmail:     envOr("FCM_CLIENT_EMAIL", ""),
			PrivateKey:      envOr("FCM_PRIVATE_KEY", ""),
		},
		Balancer: BalancerConfig{
			Port:                envInt("BALANCER_PORT", 8000),
			InstanceAddrs:       envList("INSTANCE_ADDRS", []string{"http://localhost:8080"}),
			HealthCheckInterval: envDuration("HEALTH_CHECK_INTERVAL", 10*time.Second),
			HealthCheckTimeout:  envDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		NotificationMaxAttempts: envInt("NOTIFICATION_MAX_ATTEMPTS", 9),
		CleanupDays:             envInt("NOTIFICATION_CLEANUP_DAYS", 30),
		CORSOrigins:             envList("CORS_ORIGINS", []string{"*"}),
		RateLimitWindow:         envDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMax:            envInt("RATE_LIMIT_MAX", 120),
		RequestTimeout:          envDuration("REQUEST_TIMEOUT", 30*time.Second),
	}
}

// Validate checks that all required configuration is present and valid.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envRequired(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("WARNING: %s is not set. This is required in production.\n", key)
	}
	return value
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
