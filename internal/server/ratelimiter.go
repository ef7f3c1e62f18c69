package server

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window counter keyed by client address.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
// A nil limiter or a non-positive limit allows everything.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	slice := r.hits[key]
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	slice = slice[:idx]
	if len(slice) >= r.limit {
		r.hits[key] = slice
		return false
	}
	r.hits[key] = append(slice, now)
	r.sweep(windowStart)
	return true
}

// sweep forgets keys whose hits all fell out of the window.
func (r *RateLimiter) sweep(windowStart time.Time) {
	if len(r.hits) < 1024 {
		return
	}
	for key, slice := range r.hits {
		if len(slice) == 0 || !slice[len(slice)-1].After(windowStart) {
			delete(r.hits, key)
		}
	}
}
