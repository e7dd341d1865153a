package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter holds one token bucket per client IP.
type clientLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	rps     rate.Limit
	burst   int
}

func (l *clientLimiter) bucket(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *clientLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(l.buckets, ip)
		}
	}
}

// requestCost weights routes by the ledger work they trigger. An integrity
// rebuild rehashes the whole ledger; verification and capture each fetch a
// revision and a digest.
func requestCost(c *gin.Context) int {
	path := c.FullPath()
	switch {
	case strings.HasSuffix(path, "/ledgers/:name/verify"):
		return 5
	case strings.HasSuffix(path, "/verify"),
		strings.HasSuffix(path, "/documents/:docId"),
		c.Request.Method == http.MethodPost && strings.HasSuffix(path, "/documents"):
		return 2
	default:
		return 1
	}
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. rps is the steady-state requests per second; burst is the
// maximum burst size. Expensive routes draw more than one token. Idle
// buckets are evicted until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	l := &clientLimiter{
		buckets: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}

	go func() {
		t := time.NewTicker(limiterSweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				l.sweep(now)
			}
		}
	}()

	return func(c *gin.Context) {
		now := time.Now()
		cost := min(requestCost(c), burst)

		r := l.bucket(c.ClientIP(), now).ReserveN(now, cost)
		if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
			r.CancelAt(now)
			wait := int(math.Ceil(delay.Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(wait, 1)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
