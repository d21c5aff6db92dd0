package router

import (
	"sync"
	"time"
)

// purgeEvery is how many checks pass between sweeps of expired counters.
const purgeEvery = 100

// Decision reports one rate-limit check. Limit, Remaining, and Reset map
// directly onto the X-RateLimit-* response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (d *Decision) RetryAfter(now time.Time) int {
	secs := int(d.Reset.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

type counter struct {
	count   int
	resetAt time.Time
}

// keyedLimiter hands out one fixed-window counter per key (agent address,
// federation provider). Counters for windows that have ended are swept every
// purgeEvery checks so the map stays bounded by active senders.
type keyedLimiter struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	counters map[string]*counter
	checks   int
}

func newKeyedLimiter(limit int, window time.Duration) *keyedLimiter {
	return &keyedLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string]*counter),
	}
}

// Allow consumes one slot for key if the current window has room.
func (l *keyedLimiter) Allow(key string) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.checks++
	if l.checks%purgeEvery == 0 {
		l.purgeLocked(now)
	}

	c, ok := l.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(l.window)}
		l.counters[key] = c
	}

	d := Decision{Limit: l.limit, Reset: c.resetAt}
	if c.count >= l.limit {
		return d
	}
	c.count++
	d.Allowed = true
	d.Remaining = l.limit - c.count
	return d
}

func (l *keyedLimiter) purgeLocked(now time.Time) {
	for k, c := range l.counters {
		if !now.Before(c.resetAt) {
			delete(l.counters, k)
		}
	}
}

// size reports the live counter count. Test hook.
func (l *keyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
