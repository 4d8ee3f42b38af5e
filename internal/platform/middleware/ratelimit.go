package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	ExpiresIn         time.Duration // idle visitors are forgotten after this
}

// DefaultRateLimitConfig suits endpoints that start batch work: a handful
// of calls per minute per caller.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 0.2,
		BurstSize:         3,
		ExpiresIn:         10 * time.Minute,
	}
}

// RateLimit limits requests per tenant and client IP using echo's in-memory
// token-bucket store.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	retryAfter := strconv.Itoa(int(1/cfg.RequestsPerSecond) + 1)

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.RequestsPerSecond),
			Burst:     cfg.BurstSize,
			ExpiresIn: cfg.ExpiresIn,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			key := c.RealIP()
			if tid, ok := c.Get("tenant_id").(string); ok && tid != "" {
				key = tid + ":" + key
			}
			return key, nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return writeError(c, http.StatusTooManyRequests, "rate limit exceeded")
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return writeError(c, http.StatusForbidden, "unable to identify caller")
		},
	})
}
