// Package ratelimit is a sliding-window limiter keyed by any comparable id.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter[K comparable] struct {
	mu       sync.Mutex
	history  map[K][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func New[K comparable](limit int, interval time.Duration) *Limiter[K] {
	return &Limiter[K]{
		history:  make(map[K][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt for key and reports whether it fits the window.
// A non-positive limit disables limiting.
func (rl *Limiter[K]) Allow(key K) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}

	rl.history[key] = append(fresh, now)
	return true
}

// Forget drops the history of key.
func (rl *Limiter[K]) Forget(key K) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, key)
	rl.mu.Unlock()
}
