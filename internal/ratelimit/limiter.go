// Package ratelimit provides the per-tenant token bucket used by the event
// publisher. State is per process and advisory; fleet-wide ceilings need a
// shared backend.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit configures a tenant's bucket. When both per-second and per-minute
// rates are set, the stricter one wins.
type Limit struct {
	EventsPerSecond float64
	EventsPerMinute float64
	BurstSize       int
}

// rate returns the effective refill rate in events per second.
func (l Limit) rate() rate.Limit {
	perSecond := l.EventsPerSecond
	if l.EventsPerMinute > 0 {
		fromMinute := l.EventsPerMinute / 60
		if perSecond <= 0 || fromMinute < perSecond {
			perSecond = fromMinute
		}
	}
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func (l Limit) burst() int {
	if l.BurstSize < 1 {
		return 1
	}
	return l.BurstSize
}

// TenantLimiter keeps one token bucket per tenant. Tenants without an
// override share the default limit but hold independent bucket state.
type TenantLimiter struct {
	mu        sync.Mutex
	defaults  Limit
	overrides map[string]Limit
	limiters  map[string]*rate.Limiter
}

// NewTenantLimiter constructs a limiter with the process-wide default.
func NewTenantLimiter(defaults Limit) *TenantLimiter {
	return &TenantLimiter{
		defaults:  defaults,
		overrides: make(map[string]Limit),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetOverride installs a tenant-specific limit. An existing bucket is
// replaced so the new limit takes effect immediately.
func (t *TenantLimiter) SetOverride(tenantID string, limit Limit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[tenantID] = limit
	delete(t.limiters, tenantID)
}

// Allow consumes n tokens from the tenant's bucket. When the bucket has too
// few tokens it reports false together with the wait until n tokens are
// available; no tokens are consumed in that case.
func (t *TenantLimiter) Allow(tenantID string, n int) (bool, time.Duration) {
	limiter := t.limiterFor(tenantID)

	now := time.Now()
	reservation := limiter.ReserveN(now, n)
	if !reservation.OK() {
		// n exceeds the burst size; the request can never be satisfied.
		return false, rate.InfDuration
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Tokens reports the tenant's current token balance. Used by tests to check
// the bucket invariant.
func (t *TenantLimiter) Tokens(tenantID string) float64 {
	return t.limiterFor(tenantID).Tokens()
}

func (t *TenantLimiter) limiterFor(tenantID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limiter, ok := t.limiters[tenantID]; ok {
		return limiter
	}

	limit := t.defaults
	if override, ok := t.overrides[tenantID]; ok {
		limit = override
	}
	limiter := rate.NewLimiter(limit.rate(), limit.burst())
	t.limiters[tenantID] = limiter
	return limiter
}
