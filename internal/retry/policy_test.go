package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/exceptions/internal/event"
)

func TestDelayGrowsExponentially(t *testing.T) {
	policy := Policy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2,
	}

	require.Equal(t, time.Second, policy.Delay(1))
	require.Equal(t, 2*time.Second, policy.Delay(2))
	require.Equal(t, 4*time.Second, policy.Delay(3))
	require.Equal(t, 8*time.Second, policy.Delay(4))
}

func TestDelayCappedAtMax(t *testing.T) {
	policy := Policy{
		MaxRetries:   10,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}

	require.Equal(t, 5*time.Second, policy.Delay(4))
	require.Equal(t, 5*time.Second, policy.Delay(10))
}

func TestDelayJitterBounds(t *testing.T) {
	policy := Policy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		MaxDelay:       300 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.2,
	}

	for i := 0; i < 50; i++ {
		delay := policy.Delay(2)
		require.GreaterOrEqual(t, delay, 2*time.Second)
		require.LessOrEqual(t, delay, time.Duration(float64(2*time.Second)*1.2)+time.Millisecond)
	}
}

func TestDelayClampsAttempt(t *testing.T) {
	policy := Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	require.Equal(t, policy.Delay(1), policy.Delay(0))
	require.Equal(t, policy.Delay(1), policy.Delay(-3))
}

func TestRegistryOverrides(t *testing.T) {
	registry := NewRegistry()

	ingested := registry.Get(event.TypeExceptionIngested)
	require.Equal(t, 5, ingested.MaxRetries)
	require.Equal(t, 2*time.Second, ingested.InitialDelay)

	feedback := registry.Get(event.TypeFeedbackCaptured)
	require.Equal(t, 2, feedback.MaxRetries)
	require.Equal(t, 500*time.Millisecond, feedback.InitialDelay)

	// Unknown types fall back to the default.
	require.Equal(t, DefaultPolicy, registry.Get("SomethingElse"))
}

func TestRegistrySetOverride(t *testing.T) {
	registry := NewRegistry()
	custom := Policy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	registry.SetOverride(event.TypeTriageCompleted, custom)
	require.Equal(t, custom, registry.Get(event.TypeTriageCompleted))
}

func TestParseRetryCount(t *testing.T) {
	require.Equal(t, 2, parseRetryCount("db timeout (retry 2/5)"))
	require.Equal(t, 0, parseRetryCount("db timeout"))
	require.Equal(t, 0, parseRetryCount(""))
	require.Equal(t, 10, parseRetryCount("boom (retry 10/12)"))
}
