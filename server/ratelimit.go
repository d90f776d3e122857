package server

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vorpalengineering/x402-adserver/apierror"
	"github.com/vorpalengineering/x402-adserver/logger"
)

const visitorIdleTTL = 3 * time.Minute

// RateLimiter is a per client IP token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	log      *logger.Logger
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter starts a goroutine that evicts idle visitors every
// cleanup interval. Call Stop on shutdown.
func NewRateLimiter(requestsPerSec float64, burst int, cleanup time.Duration, log *logger.Logger) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(requestsPerSec),
		burst:    burst,
		log:      log,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go rl.cleanupVisitors(cleanup)
	return rl
}

// Stop is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
	<-rl.stopped
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *RateLimiter) cleanupVisitors(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(rl.stopped)

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > visitorIdleTTL {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !rl.limiter(ip).Allow() {
			rl.log.Warn("rate limit exceeded", "ip", ip, "path", c.Request.URL.Path)
			c.Header("X-RateLimit-Limit", strconv.Itoa(rl.burst))
			c.Header("Retry-After", "1")
			apierror.Respond(c, apierror.RateLimitExceeded(), rl.log)
			return
		}
		c.Next()
	}
}
