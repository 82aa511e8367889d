// Package ratelimit provides per-client rate limiting middleware for the
// escrow API, backed by golang.org/x/time/rate token buckets.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per client
	RequestsPerSecond float64
	// Burst allows brief bursts above the rate
	Burst int
	// IdleTTL is how long an unused client entry is kept
	IdleTTL time.Duration
	// CleanupInterval is how often idle entries are swept
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		Burst:             40,
		IdleTTL:           5 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks a token bucket per client key
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	visitors map[string]*visitor
	clockNow func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow checks if a request for key should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.obtain(key).AllowN(l.clockNow(), 1)
}

func (l *Limiter) obtain(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = l.clockNow()
	return v.limiter
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops visitors idle for longer than IdleTTL.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clockNow().Add(-l.cfg.IdleTTL)
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Middleware returns a Gin middleware that rate limits by caller. Requests
// carrying an authenticated wallet address are keyed by that address, the
// rest by client IP. It must run after the auth middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if addr := c.GetString("authWalletAddr"); addr != "" {
			key = "wallet:" + addr
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}

		c.Next()
	}
}
