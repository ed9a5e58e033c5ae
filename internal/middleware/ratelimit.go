package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stream254/throttle/internal/ratelimit"
	"go.uber.org/zap"
)

type Throttler interface {
	Check(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Result, error)
}

// Throttles every request by client IP under the given policy
func RateLimitByIP(throttle Throttler, policy ratelimit.Policy, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()

		result, err := throttle.Check(c.Request.Context(), key, policy)
		if err != nil {
			// Only reachable with a misconfigured policy
			logger.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Rate limit check failed",
			})
			c.Abort()
			return
		}

		SetRateLimitHeaders(c, result)

		if !result.Allowed {
			RespondRateLimited(c, result)
			return
		}

		c.Next()
	}
}

// Sets the X-RateLimit-* headers from a throttle result
func SetRateLimitHeaders(c *gin.Context, result ratelimit.Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
}

// Aborts with 429 and the number of seconds until the window resets
func RespondRateLimited(c *gin.Context, result ratelimit.Result) {
	retryAfter := int(result.RetryAfter(time.Now()).Seconds())

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "Too many requests. Please try again later.",
		"retry_after": retryAfter,
	})
}
