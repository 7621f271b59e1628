package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MemoryDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SEED_SESSION_CAPACITIES", "12, 8,x,-1,20")

	cfg := Load()
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.LockWaitTimeout)
	assert.Equal(t, 3, cfg.LockRetries)
	assert.Equal(t, 3*time.Minute, cfg.IntentTTL)
	assert.Equal(t, []int{12, 8, 20}, cfg.SeedCapacities)
	assert.False(t, cfg.RelayEnabled)
	assert.Empty(t, cfg.DBUser)
}

func TestLoad_EngineTuning(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOCK_RETRIES", "5")
	t.Setenv("LOCK_RETRY_BACKOFF", "250ms")
	t.Setenv("HOLD_TTL", "48h")
	t.Setenv("PENDING_TTL", "2h")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("SWEEP_BATCH", "50")
	t.Setenv("WS_REQUEST_TIMEOUT", "10ms")

	cfg := Load()
	eng := cfg.Engine()
	assert.Equal(t, 5, eng.LockAttempts)
	assert.Equal(t, 250*time.Millisecond, eng.LockRetryBackoff)
	assert.Equal(t, 48*time.Hour, eng.HoldTTL)
	assert.Equal(t, 2*time.Hour, eng.PendingTTL)
	assert.Equal(t, 30*time.Second, eng.SweepInterval)
	assert.Equal(t, 50, eng.SweepBatch)
	assert.Equal(t, time.Second, cfg.WSRequestTimeout)
}

func TestLoad_MySQL(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "MySQL")
	t.Setenv("DB_USER", "booking")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_NAME", "courses")

	cfg := Load()
	assert.Equal(t, DriverMySQL, cfg.StoreDriver)
	assert.Equal(t, "3306", cfg.DBPort)
	assert.Equal(t, "courses", cfg.DBName)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("COURSE_BOOKING_TEST_VAR=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("COURSE_BOOKING_TEST_VAR") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("COURSE_BOOKING_TEST_VAR"))

	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
	require.NoError(t, LoadEnvFile(""))
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	t.Setenv("RATE_LIMIT_ENABLED", "off")

	cfg := LoadRateLimitConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1, cfg.Capacity)
	assert.Equal(t, 10*time.Second, cfg.TTL)
	assert.Equal(t, "ip_route", cfg.KeyStrategy)
}

func TestLoadRedisConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_DB", "2")
	cfg := LoadRedisConfig()
	assert.Equal(t, "cache:6380", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)

	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	assert.Equal(t, "redis:6379", LoadRedisConfig().Addr)
}
