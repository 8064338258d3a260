package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the counter state for one key.
type Window struct {
	Count int
	Start time.Time
}

// FixedWindow keeps one counter per key. A window is replaced wholesale once
// more than the window size has elapsed since it started; stale keys are
// simply overwritten on next use.
type FixedWindow struct {
	windows map[string]*Window
	now     func() time.Time
	mu      sync.Mutex
}

func NewFixedWindow() *FixedWindow {
	return NewFixedWindowWithClock(time.Now)
}

// NewFixedWindowWithClock lets tests drive time explicitly.
func NewFixedWindowWithClock(now func() time.Time) *FixedWindow {
	return &FixedWindow{
		windows: make(map[string]*Window),
		now:     now,
	}
}

// Allow reports whether one more action for key fits in the current window.
func (f *FixedWindow) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	w, ok := f.windows[key]
	if !ok || now.Sub(w.Start) > window {
		f.windows[key] = &Window{Count: 1, Start: now}
		return true
	}

	if w.Count < limit {
		w.Count++
		return true
	}
	return false
}

// Forget drops the window for key.
func (f *FixedWindow) Forget(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.windows, key)
}

// Len returns the number of tracked keys.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

// Keyed adapts the in-memory limiter to the Keyed interface. It never fails.
func (f *FixedWindow) Keyed() Keyed {
	return memoryKeyed{f}
}

type memoryKeyed struct {
	f *FixedWindow
}

func (m memoryKeyed) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	return m.f.Allow(key, limit, window), nil
}
