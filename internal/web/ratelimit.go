package web

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const limiterIdleCleanup = 5 * time.Minute

// ClientRateLimiter limits requests per client IP with token buckets.
type ClientRateLimiter struct {
	mutex       sync.Mutex
	limiters    map[string]*rate.Limiter
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
	logger      *zap.Logger
}

// NewClientRateLimiter allows perMinute requests per client with burst.
func NewClientRateLimiter(perMinute int, burst int, logger *zap.Logger) *ClientRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &ClientRateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		limit:       rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:       burst,
		lastCleanup: time.Now(),
		logger:      logger,
	}
}

func (limiter *ClientRateLimiter) forClient(key string) *rate.Limiter {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	if time.Since(limiter.lastCleanup) >= limiterIdleCleanup {
		for client, bucket := range limiter.limiters {
			if bucket.Tokens() >= float64(limiter.burst) {
				delete(limiter.limiters, client)
			}
		}
		limiter.lastCleanup = time.Now()
	}
	bucket, exists := limiter.limiters[key]
	if !exists {
		bucket = rate.NewLimiter(limiter.limit, limiter.burst)
		limiter.limiters[key] = bucket
	}
	return bucket
}

// Middleware rejects requests beyond the budget with 429 and Retry-After.
func (limiter *ClientRateLimiter) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		clientIP := contextGin.ClientIP()
		bucket := limiter.forClient(clientIP)
		if bucket.Allow() {
			contextGin.Next()
			return
		}
		reservation := bucket.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()
		retryAfter := max(int(delay.Seconds()), 1)
		limiter.logger.Warn("rate limit exceeded",
			zap.String("code", "web.rate_limited"),
			zap.String("ip", clientIP),
			zap.String("path", contextGin.Request.URL.Path))
		contextGin.Header("Retry-After", strconv.Itoa(retryAfter))
		contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	}
}
