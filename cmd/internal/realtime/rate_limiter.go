package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-key sliding-window limiter.
type RateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
	calls  int
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
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event for key at time "now" should be permitted.
func (r *RateLimiter) Allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.calls%1024 == 0 {
		r.sweep(now)
	}

	cut := now.Add(-r.window)
	ev := r.events[key]
	dst := ev[:0]
	for _, t := range ev {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}

	if len(dst) >= r.limit {
		r.events[key] = dst
		return false
	}
	r.events[key] = append(dst, now)
	return true
}

// sweep drops keys with no events inside the window. Caller holds r.mu.
func (r *RateLimiter) sweep(now time.Time) {
	cut := now.Add(-r.window)
	for k, ev := range r.events {
		if len(ev) == 0 || !ev[len(ev)-1].After(cut) {
			delete(r.events, k)
		}
	}
}
