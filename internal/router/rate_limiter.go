package router

import (
	"sync"
	"time"
)

// DefaultEventsPerMinute is the per-connection inbound event budget
const DefaultEventsPerMinute = 100

// RateLimiter applies a fixed one-minute window per connection
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit events per minute.
// A non-positive limit uses DefaultEventsPerMinute.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = DefaultEventsPerMinute
	}
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  time.Minute,
		now:     time.Now,
	}
}

// Allow records one event for key and reports whether it fits the budget
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.clients[key]
	if !exists || now.Sub(w.windowStart) >= rl.window {
		rl.clients[key] = &clientWindow{count: 1, windowStart: now}
		return true
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Forget drops the state of a closed connection
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.clients, key)
	rl.mu.Unlock()
}

// Cleanup removes windows idle for five window lengths and returns how many
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, w := range rl.clients {
		if now.Sub(w.windowStart) > 5*rl.window {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked connections
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
