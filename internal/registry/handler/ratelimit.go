package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/braided/internal/identity"
	"golang.org/x/time/rate"
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyFunc selects the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges requests to the client IP.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByIdentity charges authenticated requests to the signer's address and
// falls back to the client IP. It must run after identity.RequireToken.
func ByIdentity(c *gin.Context) string {
	if addr, ok := identity.FromCtx(c); ok {
		return addr.Hex()
	}
	return c.ClientIP()
}

// RateLimiter returns a Gin middleware that enforces token-bucket rate
// limiting per key. rps is the steady-state requests per second; burst is
// the maximum burst size. Stale buckets are cleaned every 5 minutes until
// ctx is done.
func RateLimiter(ctx context.Context, rps, burst int, key KeyFunc) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*keyedLimiter)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			mu.Lock()
			for k, l := range limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(limiters, k)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		k := key(c)

		mu.Lock()
		l, ok := limiters[k]
		if !ok {
			l = &keyedLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[k] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			registryRateLimitedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
