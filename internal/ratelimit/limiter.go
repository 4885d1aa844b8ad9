// Package ratelimit provides fixed-window token buckets keyed by string.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/outpost/internal/clock"
)

// Limiter manages rate limiting for multiple keys. Every key gets Limit
// tokens per Interval.
type Limiter struct {
	Limit    int
	Interval time.Duration
	Clock    clock.Clock

	mu       sync.Mutex
	limiters map[string]*bucket
}

// bucket implements a token bucket rate limiter
type bucket struct {
	tokens   int
	lastFill time.Time
}

// NewLimiter creates a limiter allowing limit events per interval and key.
func NewLimiter(limit int, interval time.Duration) *Limiter {
	return &Limiter{
		Limit:    limit,
		Interval: interval,
		limiters: make(map[string]*bucket),
	}
}

// bucketLocked returns the refilled bucket for key. l.mu must be held.
func (l *Limiter) bucketLocked(key string) *bucket {
	now := clock.Or(l.Clock).Now()
	b, exists := l.limiters[key]
	if !exists {
		b = &bucket{tokens: l.Limit, lastFill: now}
		if l.limiters == nil {
			l.limiters = make(map[string]*bucket)
		}
		l.limiters[key] = b
	}
	if now.Sub(b.lastFill) >= l.Interval {
		b.tokens = l.Limit
		b.lastFill = now
	}
	return b
}

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN takes n tokens for key, or none if fewer than n are left.
func (l *Limiter) AllowN(key string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Exhausted reports whether key has no tokens left, without taking one.
func (l *Limiter) Exhausted(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucketLocked(key).tokens <= 0
}

// Reset clears rate limit for a specific key
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// CleanupExpired removes buckets that have not been refilled within maxAge
// and returns how many were removed.
func (l *Limiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := clock.Or(l.Clock).Now()
	removed := 0
	for key, b := range l.limiters {
		if now.Sub(b.lastFill) > maxAge {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}
