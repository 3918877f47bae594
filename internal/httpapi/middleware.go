package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/notifyhub/notifyhub/internal/errors"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// traceMiddleware propagates the delivery trace ID: inbound header if
// present, freshly minted otherwise. The ID rides the context into the
// orchestrator and from there into queue jobs.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(telemetry.TraceIDHeader)
		if traceID == "" {
			traceID = telemetry.NewCorrelationID()
		}
		ctx := telemetry.WithTraceID(c.Request.Context(), traceID)
		ctx = telemetry.WithCorrelationID(ctx, traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(telemetry.TraceIDHeader, traceID)
		c.Next()
	}
}

// rateLimiter is a fixed-window per-client limiter. Good enough for a
// single instance; the balancer spreads clients across instances anyway.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window:  window,
		max:     max,
		buckets: make(map[string]*bucket),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		// Opportunistic cleanup keeps the map from growing unbounded.
		if len(rl.buckets) > 10000 {
			for k, v := range rl.buckets {
				if now.After(v.resetAt) {
					delete(rl.buckets, k)
				}
			}
		}
		return true
	}
	b.count++
	return b.count <= rl.max
}

func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			err := apperrors.NewAppError(apperrors.ErrorTypeRateLimit, "RATE_LIMITED", "too many requests")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope{Success: false, Error: err})
			return
		}
		c.Next()
	}
}
