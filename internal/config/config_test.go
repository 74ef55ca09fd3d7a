package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/worker"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, worker.TypeIntake, cfg.WorkerType)
	require.Equal(t, 1, cfg.Concurrency)
	require.False(t, cfg.AllowFutureSchema)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, broker.StrategyShared, cfg.TopicStrategy)
	require.False(t, cfg.RateLimitEnabled)
	require.False(t, cfg.MetricsIncludeTenantID)
	require.Equal(t, ":8080", cfg.HTTPAddress)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WORKER_TYPE", "triage")
	t.Setenv("CONCURRENCY", "8")
	t.Setenv("ALLOW_FUTURE_SCHEMA", "true")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("TOPIC_STRATEGY", "per-tenant")
	t.Setenv("EXPECTED_TENANT_ID", "tenant-a")
	t.Setenv("SHUTDOWN_TIMEOUT", "45s")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_EVENTS_PER_SECOND", "2.5")
	t.Setenv("RATE_LIMIT_BURST_SIZE", "10")
	t.Setenv("METRICS_INCLUDE_TENANT_ID", "true")

	cfg := Load()

	require.Equal(t, "triage", cfg.WorkerType)
	require.Equal(t, 8, cfg.Concurrency)
	require.True(t, cfg.AllowFutureSchema)
	require.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, broker.StrategyPerTenant, cfg.TopicStrategy)
	require.Equal(t, "tenant-a", cfg.ExpectedTenantID)
	require.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	require.True(t, cfg.RateLimitEnabled)
	require.Equal(t, 2.5, cfg.RateLimit.EventsPerSecond)
	require.Equal(t, 10, cfg.RateLimit.BurstSize)
	require.True(t, cfg.MetricsIncludeTenantID)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CONCURRENCY", "not-a-number")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")
	t.Setenv("TOPIC_STRATEGY", "bogus")

	cfg := Load()
	require.Equal(t, 1, cfg.Concurrency)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, broker.StrategyShared, cfg.TopicStrategy)
}

func TestValidateWorker(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.ValidateWorker())

	cfg.WorkerType = "mystery"
	require.Error(t, cfg.ValidateWorker())

	cfg = Load()
	cfg.KafkaBrokers = nil
	require.Error(t, cfg.ValidateWorker())

	cfg = Load()
	cfg.TopicStrategy = broker.StrategyPerTenant
	require.Error(t, cfg.ValidateWorker())
	cfg.ExpectedTenantID = "tenant-a"
	require.NoError(t, cfg.ValidateWorker())
}
