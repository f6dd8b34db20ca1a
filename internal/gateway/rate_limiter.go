package gateway

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
// Events arrive in time order, so everything outside the window sits at the
// front of the slice and pruning is a single cut.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	expired := 0
	for expired < len(r.events) && !r.events[expired].After(cut) {
		expired++
	}
	if expired > 0 {
		r.events = append(r.events[:0], r.events[expired:]...)
	}

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
