package access

import (
	"time"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/shard"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // time until the current window resets
}

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window counter per client key. Increment and check
// happen under the key's shard lock, so two concurrent requests can never
// both pass the boundary.
type RateLimiter struct {
	limit   int
	window  time.Duration
	now     func() time.Time
	windows *shard.Map[*window]
}

// NewRateLimiter allows limit requests per key in each window.
func NewRateLimiter(limit int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  per,
		now:     time.Now,
		windows: shard.New[*window](0),
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

// Allow counts one request for key and reports whether it may proceed.
func (l *RateLimiter) Allow(key string) Decision {
	now := l.now()
	var d Decision
	l.windows.With(key, func(entries map[string]*window) {
		w, ok := entries[key]
		if !ok || now.Sub(w.start) >= l.window {
			w = &window{start: now}
			entries[key] = w
		}
		reset := w.start.Add(l.window).Sub(now)
		if w.count >= l.limit {
			d = Decision{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfter: reset}
			return
		}
		w.count++
		d = Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - w.count, RetryAfter: reset}
	})
	return d
}

// Sweep drops windows that have elapsed. Returns the number removed.
func (l *RateLimiter) Sweep() int {
	now := l.now()
	removed := 0
	l.windows.Each(func(entries map[string]*window) {
		for k, w := range entries {
			if now.Sub(w.start) >= l.window {
				delete(entries, k)
				removed++
			}
		}
	})
	return removed
}
