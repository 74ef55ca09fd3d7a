// Package retry owns failure handling after the worker framework absorbs a
// handler error: per-event-type retry policies, backoff scheduling, and
// dead-letter routing once the budget is spent.
package retry

import (
	"math/rand"
	"time"

	"example.com/exceptions/internal/event"
)

// Policy holds the retry parameters for one event type.
type Policy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultPolicy applies to event types without an override.
var DefaultPolicy = Policy{
	MaxRetries:     3,
	InitialDelay:   time.Second,
	MaxDelay:       300 * time.Second,
	Multiplier:     2,
	JitterFraction: 0.2,
}

// Delay computes the backoff before the given attempt (1-based):
// min(initial * multiplier^(n-1), max), inflated by up to JitterFraction.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		delay *= 1 + rand.Float64()*p.JitterFraction
	}
	return time.Duration(delay)
}

// Registry maps event types to retry policies. Lookups fall back to the
// process-wide default. The registry is tenant agnostic.
type Registry struct {
	def       Policy
	overrides map[string]Policy
}

// NewRegistry builds a registry with the stock overrides.
func NewRegistry() *Registry {
	return &Registry{
		def: DefaultPolicy,
		overrides: map[string]Policy{
			event.TypeExceptionIngested: {
				MaxRetries:     5,
				InitialDelay:   2 * time.Second,
				MaxDelay:       600 * time.Second,
				Multiplier:     2,
				JitterFraction: 0.2,
			},
			event.TypeToolExecutionRequested: {
				MaxRetries:     3,
				InitialDelay:   time.Second,
				MaxDelay:       300 * time.Second,
				Multiplier:     2,
				JitterFraction: 0.2,
			},
			event.TypeFeedbackCaptured: {
				MaxRetries:     2,
				InitialDelay:   500 * time.Millisecond,
				MaxDelay:       60 * time.Second,
				Multiplier:     2,
				JitterFraction: 0.2,
			},
		},
	}
}

// SetOverride installs a process-wide policy for an event type.
func (r *Registry) SetOverride(eventType string, policy Policy) {
	r.overrides[eventType] = policy
}

// Get returns the policy for the event type, falling back to the default.
func (r *Registry) Get(eventType string) Policy {
	if policy, ok := r.overrides[eventType]; ok {
		return policy
	}
	return r.def
}

// CalculateDelay is the single entry point the scheduler uses.
func (r *Registry) CalculateDelay(eventType string, attempt int) time.Duration {
	return r.Get(eventType).Delay(attempt)
}
