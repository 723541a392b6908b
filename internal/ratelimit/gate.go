// Package ratelimit is the admission gate that keeps outbound network calls
// under the network's published per-window request caps.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"postdispatch/internal/apierr"
)

// Default rate-limit buckets.
const (
	APIClass   = "api"
	OAuthClass = "oauth"
)

type window struct {
	count         int
	windowResetAt time.Time
	max           int
	windowLen     time.Duration
}

// Gate is a fixed-window counter per named endpoint class, grounded on the
// same {clients map, mutex, resetTime} shape used for per-client HTTP rate
// limiting, generalized from one IP-keyed window to many named classes.
type Gate struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewGate returns a Gate pre-registered with the mandatory API and OAuth
// buckets (300/300s and 60/60s respectively).
func NewGate() *Gate {
	g := &Gate{windows: make(map[string]*window)}
	g.Register(APIClass, 300, 300*time.Second)
	g.Register(OAuthClass, 60, 60*time.Second)
	return g
}

// Register adds or replaces the limit for an endpoint class.
func (g *Gate) Register(class string, max int, windowLen time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows[class] = &window{max: max, windowLen: windowLen, windowResetAt: time.Now().Add(windowLen)}
}

// WouldExceed reports whether admitting n more requests would exceed the
// class's limit, without mutating any state. An unregistered class is
// always admitted.
func (g *Gate) WouldExceed(class string, n int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[class]
	if !ok {
		return false
	}
	g.resetIfElapsed(w)
	return w.count+n > w.max
}

// Record admits n requests against class, resetting the window first if it
// has elapsed, and returns the remaining capacity in the current window.
func (g *Gate) Record(class string, n int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[class]
	if !ok {
		return n, nil
	}
	g.resetIfElapsed(w)
	w.count += n
	remaining := w.max - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// WaitForAvailability blocks until n more requests can be admitted to
// class, polling at roughly the window's reset cadence plus jitter. It
// honors ctx cancellation without mutating gate state.
func (g *Gate) WaitForAvailability(ctx context.Context, class string, n int) error {
	for {
		g.mu.Lock()
		w, ok := g.windows[class]
		if !ok {
			g.mu.Unlock()
			return nil
		}
		g.resetIfElapsed(w)
		if w.count+n <= w.max {
			g.mu.Unlock()
			return nil
		}
		waitFor := time.Until(w.windowResetAt)
		g.mu.Unlock()

		if waitFor <= 0 {
			waitFor = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return apierr.New(apierr.KindCancelled, "waiting for rate limit availability was cancelled")
		case <-time.After(waitFor + jitter(waitFor)):
		}
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base / 20 // small, deterministic fraction rather than real randomness
}

// resetIfElapsed assumes g.mu is held.
func (g *Gate) resetIfElapsed(w *window) {
	now := time.Now()
	if now.Before(w.windowResetAt) {
		return
	}
	w.count = 0
	w.windowResetAt = now.Add(w.windowLen)
}
