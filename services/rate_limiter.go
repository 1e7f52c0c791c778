package services

import (
	"fmt"
	"sync"
	"time"

	"crewlink/contract"
)

// Limit is one action's budget inside a fixed window.
type Limit struct {
	Window time.Duration
	Max    int
}

// FixedWindowLimiter throttles per user and action with fixed windows
// kept in memory. Good enough for a single node; deployments that need
// cluster-wide fairness substitute their own contract.RateLimiter.
type FixedWindowLimiter struct {
	mu        sync.Mutex
	def       Limit
	perAction map[string]Limit
	buckets   map[string]*bucket
	maxWindow time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	start time.Time
	count int
}

var _ contract.RateLimiter = (*FixedWindowLimiter)(nil)

func NewFixedWindowLimiter(window time.Duration, max int) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		def:       Limit{Window: window, Max: max},
		perAction: make(map[string]Limit),
		buckets:   make(map[string]*bucket),
		maxWindow: window,
		now:       time.Now,
	}
}

// WithActionLimit overrides the default budget for one action.
func (l *FixedWindowLimiter) WithActionLimit(action string, limit Limit) *FixedWindowLimiter {
	l.perAction[action] = limit
	if limit.Window > l.maxWindow {
		l.maxWindow = limit.Window
	}
	return l
}

// WithClock replaces the time source. Test hook.
func (l *FixedWindowLimiter) WithClock(now func() time.Time) *FixedWindowLimiter {
	l.now = now
	return l
}

// Allow consumes one slot for userID+action. On denial the returned
// duration says when the current window rolls over.
func (l *FixedWindowLimiter) Allow(userID, action string) (bool, time.Duration) {
	limit, ok := l.perAction[action]
	if !ok {
		limit = l.def
	}

	now := l.now()
	key := fmt.Sprintf("%s/%s", userID, action)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= limit.Window {
		b = &bucket{start: now}
		l.buckets[key] = b
	}
	if b.count >= limit.Max {
		return false, b.start.Add(limit.Window).Sub(now)
	}
	b.count++
	return true, 0
}

// sweep drops buckets whose window ended long ago so the map tracks
// active users, not everyone ever seen. The cutoff uses the longest
// configured window so no live bucket, and with it a denial count, is
// ever reset early. Called with the lock held.
func (l *FixedWindowLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < 10*l.maxWindow {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.start) >= 2*l.maxWindow {
			delete(l.buckets, key)
		}
	}
}
