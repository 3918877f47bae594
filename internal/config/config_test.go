package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/notifyhub_test")

	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 30, cfg.CleanupDays)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 10*time.Second, cfg.Balancer.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.Balancer.HealthCheckTimeout)
	assert.Equal(t, 45*time.Second, cfg.SMTP.Timeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/notifyhub_test")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("INSTANCE_ADDRS", "http://app1:8080,http://app2:8080")

	cfg := Load()

	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, []string{"http://app1:8080", "http://app2:8080"}, cfg.Balancer.InstanceAddrs)
}

func TestRedisURL(t *testing.T) {
	r := RedisConfig{Host: "redis.internal", Port: 6379, DB: 2}
	assert.Equal(t, "redis://redis.internal:6379/2", r.URL())

	r.Password = "pw"
	assert.Equal(t, "redis://:pw@redis.internal:6379/2", r.URL())
}

func TestValidateMissingDatabase(t *testing.T) {
	cfg := Config{Redis: RedisConfig{Host: "localhost"}}
	assert.Error(t, cfg.Validate())
}
