// Package ratelimit throttles inbound control traffic per credential.
// Limits are tiered by role: a controller shipping a live session generates
// far more requests than an observer, so each role can carry its own
// ceiling.
package ratelimit

import (
	"sync"
	"time"
)

// Tier is one role's allowance: Limit requests per Window.
type Tier struct {
	Limit  int
	Window time.Duration
}

type counter struct {
	windowStart time.Time
	used        int
	lastSeen    time.Time
}

type Limiter struct {
	mu       sync.Mutex
	fallback Tier
	tiers    map[string]Tier
	counters map[string]*counter
}

// New builds a limiter with the given fallback tier for roles that have no
// explicit one.
func New(fallback Tier) *Limiter {
	if fallback.Limit <= 0 {
		fallback.Limit = 200
	}
	if fallback.Window <= 0 {
		fallback.Window = time.Minute
	}
	return &Limiter{
		fallback: fallback,
		tiers:    make(map[string]Tier),
		counters: make(map[string]*counter),
	}
}

// SetTier overrides the allowance for one role. Zero fields inherit from
// the fallback tier.
func (l *Limiter) SetTier(role string, t Tier) {
	if t.Limit <= 0 {
		t.Limit = l.fallback.Limit
	}
	if t.Window <= 0 {
		t.Window = l.fallback.Window
	}
	l.mu.Lock()
	l.tiers[role] = t
	l.mu.Unlock()
}

// Allow reports whether one more request from key (acting as role) fits in
// the current window.
func (l *Limiter) Allow(key, role string) bool {
	if key == "" {
		key = "anonymous"
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	tier := l.fallback
	if t, ok := l.tiers[role]; ok {
		tier = t
	}
	c := l.counters[key]
	if c == nil || now.Sub(c.windowStart) >= tier.Window {
		l.counters[key] = &counter{windowStart: now, used: 1, lastSeen: now}
		l.pruneLocked(now)
		return true
	}
	c.lastSeen = now
	if c.used >= tier.Limit {
		return false
	}
	c.used++
	return true
}

// pruneLocked drops counters idle for several windows so revoked or
// departed tokens do not accumulate forever.
func (l *Limiter) pruneLocked(now time.Time) {
	horizon := 4 * l.fallback.Window
	for key, c := range l.counters {
		if now.Sub(c.lastSeen) > horizon {
			delete(l.counters, key)
		}
	}
}
