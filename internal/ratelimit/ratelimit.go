package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWindow        = time.Minute
	defaultMax           = 60
	defaultSweepInterval = 5 * time.Minute
)

// Config controls the fixed-window limiter. Zero values fall back to the
// defaults (60 messages per minute, sweep every 5 minutes).
type Config struct {
	Window        time.Duration
	Max           int
	SweepInterval time.Duration
}

type entry struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window counter keyed by identifier (typically the
// end-user id). The first call in a window opens it with count 1; once the
// count reaches Max, further calls in the same window are rejected without
// incrementing.
type Limiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]*entry

	stopCh chan struct{}
	now    func() time.Time
}

// New creates a Limiter and starts its housekeeping sweeper. Call Stop to
// release it.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Max <= 0 {
		cfg.Max = defaultMax
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	l := &Limiter{
		window:  cfg.Window,
		max:     cfg.Max,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go l.sweepLoop(cfg.SweepInterval)
	return l
}

// Allow reports whether identifier may send another message in the current
// window.
func (l *Limiter) Allow(identifier string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identifier]
	if !ok || e.resetAt.Before(now) {
		l.entries[identifier] = &entry{count: 1, resetAt: now.Add(l.window)}
		return true
	}

	if e.count >= l.max {
		return false
	}

	e.count++
	return true
}

// Remaining returns how many messages identifier may still send in the
// current window.
func (l *Limiter) Remaining(identifier string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identifier]
	if !ok || e.resetAt.Before(now) {
		return l.max
	}
	if e.count >= l.max {
		return 0
	}
	return l.max - e.count
}

// Stop terminates the housekeeping sweeper.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

// sweep drops entries whose window already expired. Correctness of Allow does
// not depend on it; it only bounds memory.
func (l *Limiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, e := range l.entries {
		if e.resetAt.Before(now) {
			delete(l.entries, id)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("Rate limit table swept", "removed", removed, "remaining", len(l.entries))
	}
}
