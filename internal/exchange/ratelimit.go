// ratelimit.go implements sliding-window rate limiting for the Saxo OpenAPI.
//
// Saxo enforces a hard cap of 120 requests per rolling 60-second window.
// The limiter admits up to 115 (a margin of 5) and additionally honors a
// hard cooldown fed from HTTP 429 Retry-After headers. High-priority calls
// (sells, closes) are admitted past the soft threshold and past the cooldown
// with a warning, because refusing to exit a position is worse than burning
// margin. High-priority admits never shrink the cooldown.
package exchange

import (
	"log/slog"
	"sync"
	"time"
)

// Priority classifies a pending API call for admission purposes.
// Unknown values are treated as PriorityNormal.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Limiter is a sliding-window rate limiter with a priority override and a
// broker-imposed hard cooldown. Admit and Record are separate so callers
// can probe without consuming budget; only completed calls are recorded.
type Limiter struct {
	mu            sync.Mutex
	limit         int
	window        time.Duration
	calls         []time.Time // monotonically ordered timestamps within the window
	cooldownUntil time.Time
	logger        *slog.Logger

	now func() time.Time // overridable for tests
}

// NewLimiter creates a limiter admitting at most limit calls per window.
func NewLimiter(limit int, window time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// Admit reports whether a call of the given priority may proceed now.
// It does not consume budget; callers invoke Record after the call is made.
func (l *Limiter) Admit(p Priority) bool {
	if p != PriorityHigh && p != PriorityLow {
		p = PriorityNormal
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if now.Before(l.cooldownUntil) {
		if p == PriorityHigh {
			l.logger.Warn("high-priority call admitted during cooldown",
				"cooldown_until", l.cooldownUntil,
			)
			return true
		}
		return false
	}

	l.evictLocked(now)

	if len(l.calls) >= l.limit {
		if p == PriorityHigh {
			return true
		}
		return false
	}
	return true
}

// Record registers one completed API call in the window.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.evictLocked(now)
	l.calls = append(l.calls, now)
}

// Cooldown imposes a hard no-call deadline, typically fed from a 429
// Retry-After header. An earlier deadline never shortens a later one.
func (l *Limiter) Cooldown(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
		l.logger.Warn("rate-limit cooldown imposed", "until", until, "duration", d)
	}
}

// InWindow returns the number of recorded calls inside the current window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
	return len(l.calls)
}

func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
