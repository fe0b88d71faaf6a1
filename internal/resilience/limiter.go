package resilience

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to the initial rate).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter starting at initialRate.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// PerMinute converts a requests-per-minute budget into a rate.Limit.
// Zero or negative means unlimited.
func PerMinute(rpm int) rate.Limit {
	if rpm <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(rpm) / 60.0)
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, never above the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate == rate.Inf || a.currentRate >= a.initialRate {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.initialRate {
		newRate = a.initialRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate_per_min", float64(newRate)*60),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Gate is the single shared bound on outstanding model calls. Every caller,
// regardless of which document or category it serves, must pass through the
// same Gate.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *AdaptiveLimiter
	size    int64
}

// NewGate bounds concurrent calls to maxInFlight and paces them to rpm
// requests per minute (0 = unpaced).
func NewGate(maxInFlight, rpm int) *Gate {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		limiter: NewAdaptiveLimiter(PerMinute(rpm), maxInFlight),
		size:    int64(maxInFlight),
	}
}

// Acquire blocks until a slot is free and the pacing budget allows a call.
// The returned release func must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "gate: acquire slot")
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.sem.Release(1)
		return nil, eris.Wrap(err, "gate: wait for rate budget")
	}
	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }, nil
}

// Size returns the configured in-flight bound.
func (g *Gate) Size() int {
	return int(g.size)
}

// Limiter exposes the adaptive pacing limiter so callers can report outcomes.
func (g *Gate) Limiter() *AdaptiveLimiter {
	return g.limiter
}
