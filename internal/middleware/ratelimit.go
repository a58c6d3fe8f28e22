package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const staleAfter = 5 * time.Minute

// RateLimiter throttles per caller. Token-endpoint requests carry a client_id
// in the form body, so the limiter keys on that when present and falls back
// to the source IP; one misbehaving integration cannot consume the budget of
// everyone behind the same NAT.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter for the provided requests-per-minute
// budget. A non-positive budget disables limiting.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:     burst,
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// Handler returns the gin middleware enforcing the budget.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if !r.allow(limiterKey(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// limiterKey prefers the OAuth client identity over the network source.
// PostForm only parses urlencoded and multipart bodies, so JSON requests
// pass through untouched.
func limiterKey(c *gin.Context) string {
	if c.Request.Method == http.MethodPost {
		if clientID := c.PostForm("client_id"); clientID != "" {
			return "client:" + clientID
		}
	}
	return "ip:" + c.ClientIP()
}

func (r *RateLimiter) allow(key string) bool {
	now := time.Now()
	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	if now.Sub(r.lastSweep) > staleAfter {
		r.sweepLocked(now)
	}
	r.mu.Unlock()
	return b.limiter.Allow()
}

// sweepLocked drops buckets idle past the stale window. Runs at most once
// per window, so steady traffic does not pay a full map scan on every
// request.
func (r *RateLimiter) sweepLocked(now time.Time) {
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(r.buckets, key)
		}
	}
	r.lastSweep = now
}
