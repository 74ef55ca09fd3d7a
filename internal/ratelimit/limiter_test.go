package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowUpToBurstThenDeny(t *testing.T) {
	limiter := NewTenantLimiter(Limit{EventsPerSecond: 1, BurstSize: 5})

	for i := 0; i < 5; i++ {
		allowed, wait := limiter.Allow("tenant-a", 1)
		require.True(t, allowed, "request %d within burst should pass", i+1)
		require.Zero(t, wait)
	}

	allowed, wait := limiter.Allow("tenant-a", 1)
	require.False(t, allowed)
	require.Greater(t, wait, time.Duration(0))
}

func TestDenialDoesNotConsumeTokens(t *testing.T) {
	limiter := NewTenantLimiter(Limit{EventsPerSecond: 0.001, BurstSize: 2})

	allowed, _ := limiter.Allow("tenant-a", 1)
	require.True(t, allowed)
	allowed, _ = limiter.Allow("tenant-a", 1)
	require.True(t, allowed)

	before := limiter.Tokens("tenant-a")
	allowed, _ = limiter.Allow("tenant-a", 1)
	require.False(t, allowed)
	after := limiter.Tokens("tenant-a")

	// The refill between the two reads is negligible at this rate.
	require.InDelta(t, before, after, 0.01)
}

func TestRequestLargerThanBurst(t *testing.T) {
	limiter := NewTenantLimiter(Limit{EventsPerSecond: 10, BurstSize: 3})

	allowed, wait := limiter.Allow("tenant-a", 4)
	require.False(t, allowed)
	require.Greater(t, wait, time.Duration(0))
}

func TestTenantsAreIsolated(t *testing.T) {
	limiter := NewTenantLimiter(Limit{EventsPerSecond: 1, BurstSize: 1})

	allowed, _ := limiter.Allow("tenant-a", 1)
	require.True(t, allowed)
	allowed, _ = limiter.Allow("tenant-a", 1)
	require.False(t, allowed)

	// tenant-b has its own bucket.
	allowed, _ = limiter.Allow("tenant-b", 1)
	require.True(t, allowed)
}

func TestPerMinuteLimitWinsWhenStricter(t *testing.T) {
	// 60/minute = 1/second, stricter than the 5/second setting.
	limit := Limit{EventsPerSecond: 5, EventsPerMinute: 60}
	require.InDelta(t, 1.0, float64(limit.rate()), 0.001)

	// Per-second stricter than per-minute.
	limit = Limit{EventsPerSecond: 0.5, EventsPerMinute: 120}
	require.InDelta(t, 0.5, float64(limit.rate()), 0.001)
}

func TestUnlimitedWhenUnset(t *testing.T) {
	limiter := NewTenantLimiter(Limit{})

	for i := 0; i < 100; i++ {
		allowed, _ := limiter.Allow("tenant-a", 1)
		require.True(t, allowed)
	}
}

func TestSetOverrideReplacesBucket(t *testing.T) {
	limiter := NewTenantLimiter(Limit{EventsPerSecond: 1, BurstSize: 1})

	allowed, _ := limiter.Allow("tenant-a", 1)
	require.True(t, allowed)
	allowed, _ = limiter.Allow("tenant-a", 1)
	require.False(t, allowed)

	limiter.SetOverride("tenant-a", Limit{EventsPerSecond: 100, BurstSize: 10})

	allowed, _ = limiter.Allow("tenant-a", 1)
	require.True(t, allowed)
}
