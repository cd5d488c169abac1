package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FixedWindowLimiter counts requests per key within successive non-overlapping
// windows. The window boundary is the key-independent floor of the current
// time to the window length, so all keys roll over at the same instants.
//
// A single mutex serializes access: same-key checks can never exceed Max, and
// stale entries are dropped lazily on access plus by a periodic sweep.
type FixedWindowLimiter struct {
	mu        sync.Mutex
	windows   map[string]*windowEntry
	now       func() time.Time
	maxWindow time.Duration

	sweepInterval time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	isRunning     bool
}

type windowEntry struct {
	start time.Time
	count int
}

// NewFixedWindowLimiter creates an in-memory limiter. The sweep goroutine is
// not started until Start is called; the limiter is correct without it, the
// sweep only bounds memory for keys that stop arriving.
func NewFixedWindowLimiter(sweepInterval time.Duration) *FixedWindowLimiter {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &FixedWindowLimiter{
		windows:       make(map[string]*windowEntry),
		now:           time.Now,
		sweepInterval: sweepInterval,
	}
}

// Allow consumes one unit for key when the current window has capacity.
func (l *FixedWindowLimiter) Allow(_ context.Context, key string, p Policy) (Decision, error) {
	if p.Max < 1 || p.Window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit policy: max=%d window=%s", p.Max, p.Window)
	}

	now := l.now()
	windowStart := now.Truncate(p.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if p.Window > l.maxWindow {
		l.maxWindow = p.Window
	}

	entry, ok := l.windows[key]
	if !ok || entry.start.Before(windowStart) {
		entry = &windowEntry{start: windowStart}
		l.windows[key] = entry
	}

	if entry.count < p.Max {
		entry.count++
		return Decision{
			Allowed:   true,
			Remaining: p.Max - entry.count,
		}, nil
	}

	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: windowStart.Add(p.Window).Sub(now),
	}, nil
}

// Start launches the periodic sweep that evicts windows no request has
// touched for at least one sweep interval.
func (l *FixedWindowLimiter) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.isRunning {
		l.mu.Unlock()
		return fmt.Errorf("limiter sweep is already running")
	}
	l.isRunning = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop terminates the sweep goroutine.
func (l *FixedWindowLimiter) Stop() {
	l.mu.Lock()
	running := l.isRunning
	l.isRunning = false
	l.mu.Unlock()

	if running {
		l.cancel()
		l.wg.Wait()
	}
}

func (l *FixedWindowLimiter) sweep() {
	l.mu.Lock()
	// The eviction horizon covers the largest window ever checked, so a sweep
	// interval shorter than a policy's window never resets a live count.
	horizon := l.sweepInterval
	if l.maxWindow > horizon {
		horizon = l.maxWindow
	}
	cutoff := l.now().Add(-horizon)

	evicted := 0
	for key, entry := range l.windows {
		if entry.start.Before(cutoff) {
			delete(l.windows, key)
			evicted++
		}
	}
	remaining := len(l.windows)
	l.mu.Unlock()

	if evicted > 0 {
		logrus.WithFields(logrus.Fields{
			"evicted":   evicted,
			"remaining": remaining,
		}).Debug("Swept stale rate limit windows")
	}
}
