// Package ratelimit provides a per-tenant fixed-window call budget used to
// gate feedback intake.
//
// A window opens on the first call for a tenant and resets once more than the
// window duration has elapsed since it opened. State is in-process only; a
// restart clears every budget.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultMaxRequests is the default number of calls per window.
	DefaultMaxRequests = 10

	// DefaultWindow is the default window length.
	DefaultWindow = 60 * time.Second
)

type window struct {
	count int
	start time.Time
}

// Limiter tracks call counts per tenant key.
//
// Thread Safety: all methods are safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether tenant may make another call under a budget of
// maxRequests per window, and records the call when it may.
func (l *Limiter) Allow(tenant string, maxRequests int, windowLen time.Duration) bool {
	if maxRequests <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[tenant]
	if !ok || now.Sub(w.start) > windowLen {
		l.windows[tenant] = &window{count: 1, start: now}
		return true
	}

	if w.count < maxRequests {
		w.count++
		return true
	}
	return false
}

// Remaining returns how many calls tenant has left in its current window.
func (l *Limiter) Remaining(tenant string, maxRequests int, windowLen time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[tenant]
	if !ok || l.now().Sub(w.start) > windowLen {
		return maxRequests
	}
	if left := maxRequests - w.count; left > 0 {
		return left
	}
	return 0
}

// ResetIn returns how long until tenant's current window closes. It is zero
// when tenant has no open window.
func (l *Limiter) ResetIn(tenant string, windowLen time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[tenant]
	if !ok {
		return 0
	}
	if left := windowLen - l.now().Sub(w.start); left > 0 {
		return left
	}
	return 0
}

// Reset clears every tenant's window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}

// ResetTenant clears a single tenant's window.
func (l *Limiter) ResetTenant(tenant string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, tenant)
}

// Sweep drops windows older than windowLen and returns how many were removed.
func (l *Limiter) Sweep(windowLen time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for tenant, w := range l.windows {
		if now.Sub(w.start) > windowLen {
			delete(l.windows, tenant)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked tenants.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
