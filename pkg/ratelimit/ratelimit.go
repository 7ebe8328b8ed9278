// Package ratelimit implements the process-local fixed-window request
// limiter used for per-token and global throttling.
package ratelimit

import (
	"sync"
	"time"
)

// Result reports the outcome of a limiter check.
type Result struct {
	// OK is true when the request fits inside the current window.
	OK bool
	// RetryAfter is the remaining window duration when OK is false.
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks request counts per opaque identity in fixed windows.
// All state updates for a given identity are atomic with respect to each
// other; there is no ordering guarantee across identities.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	maxPerWindow int
	windowSize   time.Duration

	now func() time.Time
}

// New creates a limiter allowing maxPerWindow requests per windowSize.
func New(maxPerWindow int, windowSize time.Duration) *Limiter {
	return &Limiter{
		windows:      make(map[string]*window),
		maxPerWindow: maxPerWindow,
		windowSize:   windowSize,
		now:          time.Now,
	}
}

// Check records a request attempt for identity and reports whether it is
// allowed. A maxPerWindow of zero rejects everything.
func (l *Limiter) Check(identity string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneStaleLocked(now)

	w, ok := l.windows[identity]
	if !ok || !now.Before(w.start.Add(l.windowSize)) {
		if l.maxPerWindow <= 0 {
			return Result{OK: false, RetryAfter: l.windowSize}
		}
		l.windows[identity] = &window{start: now, count: 1}
		return Result{OK: true}
	}

	if w.count < l.maxPerWindow {
		w.count++
		return Result{OK: true}
	}

	return Result{OK: false, RetryAfter: w.start.Add(l.windowSize).Sub(now)}
}

// pruneStaleLocked drops windows that ended at least one full window ago.
// Opportunistic: runs under the lock already held by Check.
func (l *Limiter) pruneStaleLocked(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	cutoff := now.Add(-2 * l.windowSize)
	for id, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, id)
		}
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// CheckWithLimit behaves like Check but applies an identity-specific maximum
// instead of the limiter default. Used for tokens carrying a rateLimit field.
func (l *Limiter) CheckWithLimit(identity string, maxPerWindow int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, ok := l.windows[identity]
	if !ok || !now.Before(w.start.Add(l.windowSize)) {
		if maxPerWindow <= 0 {
			return Result{OK: false, RetryAfter: l.windowSize}
		}
		l.windows[identity] = &window{start: now, count: 1}
		return Result{OK: true}
	}

	if w.count < maxPerWindow {
		w.count++
		return Result{OK: true}
	}

	return Result{OK: false, RetryAfter: w.start.Add(l.windowSize).Sub(now)}
}
