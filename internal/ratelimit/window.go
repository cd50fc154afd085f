package ratelimit

import (
	"sync"
	"time"
)

// Default outbound budget for the sports-data API.
const (
	DefaultMaxCalls = 90
	DefaultWindow   = time.Minute
)

// Window is a sliding-window call log guarding outbound upstream calls.
// Each logged call is kept until it is older than the window; a new call is
// allowed while fewer than max calls remain in the log.
type Window struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	calls  []time.Time // oldest first
	now    func() time.Time
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) { w.now = now }
}

// NewWindow creates a Window allowing max calls per window.
// Zero or negative values fall back to DefaultMaxCalls and DefaultWindow.
func NewWindow(max int, window time.Duration, opts ...WindowOption) *Window {
	if max <= 0 {
		max = DefaultMaxCalls
	}
	if window <= 0 {
		window = DefaultWindow
	}
	w := &Window{
		max:    max,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Max returns the configured ceiling.
func (w *Window) Max() int { return w.max }

// Span returns the window length.
func (w *Window) Span() time.Duration { return w.window }

// CanMakeCall purges stale records and reports whether another call fits.
func (w *Window) CanMakeCall() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purgeLocked(w.now())
	return len(w.calls) < w.max
}

// LogCall records one outbound call at the current time.
func (w *Window) LogCall() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, w.now())
}

// RemainingCalls returns how many calls are still available in the window.
func (w *Window) RemainingCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purgeLocked(w.now())
	if n := w.max - len(w.calls); n > 0 {
		return n
	}
	return 0
}

// TimeUntilNextAvailable returns 0 when a call is allowed now, otherwise the
// time until the oldest logged call leaves the window.
func (w *Window) TimeUntilNextAvailable() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waitLocked(w.now())
}

// Reserve performs CanMakeCall and LogCall as one atomic step. When the log is
// full it returns false and the wait until the next slot frees up.
func (w *Window) Reserve() (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if wait := w.waitLocked(now); wait > 0 {
		return false, wait
	}
	w.calls = append(w.calls, now)
	return true, 0
}

// waitLocked must be called with w.mu held.
func (w *Window) waitLocked(now time.Time) time.Duration {
	w.purgeLocked(now)
	if len(w.calls) < w.max || len(w.calls) == 0 {
		return 0
	}
	wait := w.window - now.Sub(w.calls[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// purgeLocked drops records older than the window. Must be called with w.mu held.
func (w *Window) purgeLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}
