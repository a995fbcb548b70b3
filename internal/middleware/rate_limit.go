// Package middleware holds gin middleware shared by the HTTP surface.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitConfig bounds how many deliberations a single client may start
// inside a rolling window. Deliberations fan out to every panel model, so
// one request is expensive; the default is deliberately low.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// KeyFunc derives the bucket key for a request. Defaults to client IP.
	KeyFunc func(*gin.Context) string
}

// DefaultRateLimitConfig returns the default limiter configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 30,
		Window:   time.Minute,
	}
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// RateLimiter is a token-bucket limiter keyed per client. Buckets refill
// continuously over the window and are dropped after sitting idle.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a limiter from the given configuration.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = DefaultRateLimitConfig().Requests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateLimitConfig().Window
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIPKey
	}
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// Middleware returns the gin handler enforcing the limit. Responses carry
// the standard X-RateLimit headers; rejected requests get 429 with a
// Retry-After hint.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, retryAfter := rl.take(rl.cfg.KeyFunc(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// take consumes one token from the key's bucket, refilling first.
func (rl *RateLimiter) take(key string) (allowed bool, remaining, retryAfter int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: rl.cfg.Requests, lastRefill: now}
		rl.buckets[key] = b
	}

	refill := int(float64(now.Sub(b.lastRefill)) / float64(rl.cfg.Window) * float64(rl.cfg.Requests))
	if refill > 0 {
		b.tokens = min(rl.cfg.Requests, b.tokens+refill)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true, b.tokens, 0
	}

	retryAfter = int(rl.cfg.Window.Seconds()) / rl.cfg.Requests
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

// Sweep drops buckets idle for longer than the given age. Callers run it
// on their own schedule.
func (rl *RateLimiter) Sweep(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idle)
	for key, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func clientIPKey(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + c.Request.RemoteAddr
}
