package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

const (
	// verifyCost is the number of tokens a verification request draws. A
	// verification re-hashes every entry in its range.
	verifyCost = 5

	limiterIdleTTL = 10 * time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimiter limits ledger API calls per client IP with a token bucket of
// rps tokens per second and the given burst. Verification requests cost
// verifyCost tokens; health and metrics scrapes are never limited. Rejected
// requests get 429 with a Retry-After of the seconds until the bucket can
// serve them. Idle buckets are swept until ctx is done.
func RateLimiter(ctx context.Context, rps float64, burst int) gin.HandlerFunc {
	buckets := xsync.NewMap[string, *clientBucket]()

	go func() {
		ticker := time.NewTicker(limiterIdleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				buckets.Range(func(ip string, b *clientBucket) bool {
					if now.Sub(time.Unix(0, b.lastSeen.Load())) > limiterIdleTTL {
						buckets.Delete(ip)
					}
					return true
				})
			}
		}
	}()

	return func(c *gin.Context) {
		cost := requestCost(c)
		if cost == 0 {
			c.Next()
			return
		}
		if cost > burst {
			cost = burst
		}

		now := time.Now()
		b, _ := buckets.LoadOrCompute(c.ClientIP(), func() (*clientBucket, bool) {
			return &clientBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}, false
		})
		b.lastSeen.Store(now.UnixNano())

		r := b.limiter.ReserveN(now, cost)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// requestCost returns the tokens c draws, or 0 when it is exempt.
func requestCost(c *gin.Context) int {
	switch path := c.FullPath(); {
	case path == "/healthz" || path == "/metrics":
		return 0
	case strings.HasSuffix(path, "/verify"):
		return verifyCost
	}
	return 1
}
