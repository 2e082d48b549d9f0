package loggingmw

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/pkg/logging"
)

// requestID prefers the id the client sent; otherwise it takes the one
// echo's RequestID middleware put on the response.
func requestID(c echo.Context) string {
	if rid := c.Request().Header.Get(echo.HeaderXRequestID); rid != "" {
		c.Response().Header().Set(echo.HeaderXRequestID, rid)
		return rid
	}
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// RequestLogger puts a request-scoped logger into the context and logs one
// "http_request" line per request. Errors are rendered here so the logged
// status is the one the client sees.
func RequestLogger(base *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			attrs := []any{
				"method", req.Method,
				"route", c.Path(),
				"path", req.URL.Path,
				"remote_ip", c.RealIP(),
			}
			if rid := requestID(c); rid != "" {
				attrs = append(attrs, "request_id", rid)
			}
			l := base.With(attrs...)
			c.SetRequest(req.WithContext(logging.IntoContext(req.Context(), l)))

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			res := c.Response()
			done := []any{"status", res.Status, "duration_ms", time.Since(start).Milliseconds()}
			switch {
			case res.Status >= 500:
				if err != nil {
					done = append(done, "error", err.Error())
				}
				l.Error("http_request", done...)
			case res.Status >= 400:
				l.Warn("http_request", done...)
			default:
				l.Info("http_request", append(done, "bytes", res.Size, "user_agent", req.UserAgent())...)
			}
			return nil
		}
	}
}
