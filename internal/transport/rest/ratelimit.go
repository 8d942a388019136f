package rest

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's limiter survives without requests.
const limiterIdleTTL = 10 * time.Minute

// IPRateLimiter hands out one token bucket per client IP. Idle buckets expire
// so the set of tracked clients stays bounded.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	r        rate.Limit
	b        int
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: cache.New(limiterIdleTTL, 2*limiterIdleTTL),
		r:        r,
		b:        b,
	}
}

// GetLimiter returns the limiter for ip, creating it on first use, and pushes
// back its expiry.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	if v, ok := i.limiters.Get(ip); ok {
		l := v.(*rate.Limiter)
		i.limiters.SetDefault(ip, l)
		return l
	}
	l := rate.NewLimiter(i.r, i.b)
	i.limiters.SetDefault(ip, l)
	return l
}

// RateLimiter rejects requests over the per-IP budget with 429. A non-positive
// rate disables limiting.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	if r <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if b <= 0 {
		b = 1
	}
	limiter := NewIPRateLimiter(r, b)
	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
