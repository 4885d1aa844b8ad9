// Package clock provides a mockable time source.
// In production it wraps the time package; tests inject a MockClock so that
// demand expirations and negotiation deadlines are deterministic.
package clock

import (
	"sync"
	"time"
)

// Clock is the interface for time operations.
// Components take a Clock; nil means the real clock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
}

// RealClock provides the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time { return time.Now() }

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Until returns the duration until t.
func (RealClock) Until(t time.Time) time.Duration { return time.Until(t) }

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Set sets the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Or returns c, or the real clock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return RealClock{}
	}
	return c
}

// Now returns the current system time.
func Now() time.Time {
	return time.Now()
}

// Expiration returns the absolute timestamp window after now on c.
func Expiration(c Clock, window time.Duration) time.Time {
	return Or(c).Now().Add(window)
}

// Remaining returns how long is left until deadline on c, never negative.
func Remaining(c Clock, deadline time.Time) time.Duration {
	d := Or(c).Until(deadline)
	if d < 0 {
		return 0
	}
	return d
}

// UnixMillis returns t as milliseconds since the epoch, the unit used for
// expiration properties on published demands.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}
