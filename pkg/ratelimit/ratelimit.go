package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/kicklock/pkg/logging"
)

// Limiter is a fixed-window request counter kept in Redis.
type Limiter struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rate_limit"
	}
	return &Limiter{client: client, prefix: prefix}
}

// Allow counts one hit for key and reports whether it is within limit. The
// increment and the window expiry go out in one MULTI so a counter is never
// left without a TTL.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("count rate hit: %w", err)
	}
	return incr.Val() <= int64(limit), nil
}

type KeyFunc func(c echo.Context) string

func ByIP(group string) KeyFunc {
	return func(c echo.Context) string { return group + ":ip:" + c.RealIP() }
}

// Middleware answers 429 once key exceeds limit within window. A nil
// limiter disables limiting; Redis errors let the request through.
func Middleware(l *Limiter, limit int, window time.Duration, key KeyFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if l == nil || limit <= 0 {
				return next(c)
			}
			ctx := c.Request().Context()
			ok, err := l.Allow(ctx, key(c), limit, window)
			if err != nil {
				logging.FromContext(ctx).Warn("rate_limit_unavailable", "error", err)
				return next(c)
			}
			if !ok {
				return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests")
			}
			return next(c)
		}
	}
}
