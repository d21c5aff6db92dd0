package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// defaultSweepInterval spaces out sweeps of the per-IP bucket map. A bucket
// idle for two sweep intervals is dropped.
const defaultSweepInterval = 5 * time.Minute

// clientBucket pairs a token bucket with the time it last served a request.
type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// ipLimiterPool hands out one token bucket per client IP. Sweeping happens
// lazily on the request path, at most once per sweep interval, so the map
// stays bounded by recently active clients without a background goroutine.
type ipLimiterPool struct {
	rps   int
	burst int
	sweep time.Duration

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

func newIPLimiterPool(rps, burst int, sweep time.Duration) *ipLimiterPool {
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	return &ipLimiterPool{
		rps:       rps,
		burst:     burst,
		sweep:     sweep,
		clients:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

// allow consumes one slot from the bucket for ip, creating it on first use.
func (p *ipLimiterPool) allow(ip string) bool {
	now := time.Now()

	p.mu.Lock()
	if now.Sub(p.lastSweep) >= p.sweep {
		p.lastSweep = now
		idleCutoff := now.Add(-2 * p.sweep)
		for addr, cb := range p.clients {
			if cb.lastSeen.Before(idleCutoff) {
				delete(p.clients, addr)
			}
		}
	}

	cb, ok := p.clients[ip]
	if !ok {
		cb = &clientBucket{bucket: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.clients[ip] = cb
	}
	cb.lastSeen = now
	p.mu.Unlock()

	return cb.bucket.Allow()
}

// size reports the live bucket count. Test hook.
func (p *ipLimiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// RateLimiter returns the per-client-IP rate limiting middleware. rps is the
// steady-state requests per second, burst the bucket depth.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	pool := newIPLimiterPool(rps, burst, defaultSweepInterval)

	return func(c *gin.Context) {
		if !pool.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
