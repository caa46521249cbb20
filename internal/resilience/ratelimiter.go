package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a token bucket layered with a sliding-window cap, used where
// a hard ceiling on requests-per-window must hold regardless of burst
// capacity (e.g. dispatch batches against the message fabric).
type RateLimiter struct {
	mu sync.Mutex

	tokens     float64
	capacity   float64
	fillRate   float64
	lastRefill time.Time

	windowDur    time.Duration
	maxPerWindow int
	windowStart  time.Time
	windowCount  int
}

// NewRateLimiter builds a limiter with a token-bucket capacity/fill rate and
// a hard per-window cap (maxPerWindow requests per windowDur).
func NewRateLimiter(capacity int, fillRate float64, windowDur time.Duration, maxPerWindow int) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		tokens:       float64(capacity),
		capacity:     float64(capacity),
		fillRate:     fillRate,
		lastRefill:   now,
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
		windowStart:  now,
	}
}

// Allow reports whether a single request may proceed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN reports whether n requests may proceed now.
func (r *RateLimiter) AllowN(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.refill(now)
	r.rollWindow(now)

	meter := otel.GetMeterProvider().Meter("workflowcore")

	if r.windowCount+n > r.maxPerWindow {
		counter, _ := meter.Int64Counter("workflowcore_ratelimiter_window_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}
	if r.tokens < float64(n) {
		counter, _ := meter.Int64Counter("workflowcore_ratelimiter_token_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}

	r.tokens -= float64(n)
	r.windowCount += n
	return true
}

// ReserveAfter returns the delay until n tokens would become available,
// ignoring the window cap. Callers still must re-check AllowN after waiting.
func (r *RateLimiter) ReserveAfter(n int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill(time.Now())
	if r.tokens >= float64(n) {
		return 0
	}
	deficit := float64(n) - r.tokens
	if r.fillRate <= 0 {
		return r.windowDur
	}
	seconds := deficit / r.fillRate
	return minDuration(time.Duration(seconds*float64(time.Second)), r.windowDur)
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens = minFloat(r.capacity, r.tokens+elapsed*r.fillRate)
	r.lastRefill = now
}

func (r *RateLimiter) rollWindow(now time.Time) {
	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
