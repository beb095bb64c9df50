package middleware

import (
	"net/http"
	"sync"
	"time"

	"servicedesk/internal/config"
	appmetrics "servicedesk/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket is a simple token bucket implementation for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64 // tokens per second
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm // default burst equals a minute worth
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

// RateLimiter 按租户限流；未认证的请求按客户端 IP
type RateLimiter struct {
	cfg       config.RateLimitingConfig
	whitelist map[string]struct{}
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	now       func() time.Time
}

func NewRateLimiter(cfg config.RateLimitingConfig) *RateLimiter {
	wl := make(map[string]struct{}, len(cfg.WhitelistTenants))
	for _, t := range cfg.WhitelistTenants {
		wl[t] = struct{}{}
	}
	return &RateLimiter{
		cfg:       cfg,
		whitelist: wl,
		buckets:   make(map[string]*tokenBucket),
		now:       time.Now,
	}
}

func (l *RateLimiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst, l.now())
	l.buckets[key] = b
	return b
}

// Middleware must run after AuthMiddleware for tenant keys to apply.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	if !l.cfg.Enabled || l.cfg.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		scope, key := "tenant", TenantID(c)
		if key == "" {
			scope, key = "ip", "ip:"+c.ClientIP()
		} else if _, ok := l.whitelist[key]; ok {
			c.Next()
			return
		}
		if !l.bucket(key).allow(l.now()) {
			appmetrics.IncRateLimitDrop(scope)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware builds a RateLimiter from config and returns its middleware.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	return NewRateLimiter(cfg.Security.RateLimiting).Middleware()
}
