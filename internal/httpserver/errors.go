package httpserver

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/internal/admin"
	"github.com/Skotchmaster/kicklock/internal/deploy"
	"github.com/Skotchmaster/kicklock/internal/github"
	"github.com/Skotchmaster/kicklock/internal/gradio"
	"github.com/Skotchmaster/kicklock/internal/invite"
	"github.com/Skotchmaster/kicklock/internal/repo"
	"github.com/Skotchmaster/kicklock/internal/session"
	"github.com/Skotchmaster/kicklock/internal/tunnel"
)

const (
	msgInvalidCredentials = "Invalid credentials"
	msgUnauthorized       = "Unauthorized"
	msgInvalidRequest     = "Invalid request"
	msgNotFound           = "Not found"
	msgTokenUsed          = "This token has already been used"
	msgUsernameTaken      = "Username already taken"
	msgActiveToken        = "User already has an active token"
	msgPayloadTooLarge    = "Payload too large"
	msgTooManyRequests    = "Too many requests"
	msgAckRequired        = "Acknowledge the auto-undeploy notice before redeploying"
	msgAlreadyDeployed    = "Already deployed"
	msgAutoUndeployed     = "Your workload was undeployed automatically"
	msgUnavailable        = "Service unavailable"
	msgUpstreamTimeout    = "Upstream timeout"
	msgUpstreamFailed     = "Upstream service failed"
	msgInternal           = "Internal server error"
)

// statusFor maps domain errors to the status and generic message shown to
// callers. Internal error text never leaves the server.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials), errors.Is(err, admin.ErrInvalidCredentials):
		return http.StatusUnauthorized, msgInvalidCredentials
	case errors.Is(err, session.ErrUnauthenticated):
		return http.StatusUnauthorized, msgUnauthorized
	case errors.Is(err, session.ErrValidation), errors.Is(err, invite.ErrValidation),
		errors.Is(err, deploy.ErrValidation), errors.Is(err, admin.ErrValidation),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, msgInvalidRequest
	case errors.Is(err, invite.ErrAlreadyUsed):
		return http.StatusConflict, msgTokenUsed
	case errors.Is(err, repo.ErrUsernameTaken):
		return http.StatusConflict, msgUsernameTaken
	case errors.Is(err, invite.ErrConflict):
		return http.StatusConflict, msgActiveToken
	case errors.Is(err, deploy.ErrAckRequired):
		return http.StatusConflict, msgAckRequired
	case errors.Is(err, deploy.ErrAlreadyDeployed):
		return http.StatusConflict, msgAlreadyDeployed
	case errors.Is(err, tunnel.ErrAutoUndeployed):
		return http.StatusConflict, msgAutoUndeployed
	case errors.Is(err, invite.ErrNotFound), errors.Is(err, admin.ErrNotFound),
		errors.Is(err, github.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound, msgNotFound
	case errors.Is(err, tunnel.ErrUnavailable), errors.Is(err, tunnel.ErrNoTemplate),
		errors.Is(err, deploy.ErrClosed):
		return http.StatusServiceUnavailable, msgUnavailable
	case errors.Is(err, gradio.ErrTimeout):
		return http.StatusGatewayTimeout, msgUpstreamTimeout
	case errors.Is(err, github.ErrUpstream), errors.Is(err, github.ErrDispatchRejected),
		errors.Is(err, gradio.ErrUpstream), errors.Is(err, tunnel.ErrUpstream):
		return http.StatusInternalServerError, msgUpstreamFailed
	}
	return http.StatusInternalServerError, msgInternal
}

// fail logs err under event and returns the mapped HTTP error.
func fail(l *slog.Logger, event string, err error) error {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		l.Error(event, "status", code, "error", err)
	} else {
		l.Warn(event, "status", code, "error", err)
	}
	return echo.NewHTTPError(code, msg)
}

// ErrorHandler keeps echo's JSON error shape but replaces framework wording
// for oversized bodies and rate limiting.
func ErrorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			switch he.Code {
			case http.StatusRequestEntityTooLarge:
				err = echo.NewHTTPError(he.Code, msgPayloadTooLarge)
			case http.StatusTooManyRequests:
				err = echo.NewHTTPError(he.Code, msgTooManyRequests)
			}
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}

// RequireAPIKey guards the server-to-server endpoints with a static bearer
// key: a missing key is 401, a wrong one 403.
func RequireAPIKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if !ok || strings.TrimSpace(got) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, msgUnauthorized)
			}
			if key == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusForbidden, "Forbidden")
			}
			return next(c)
		}
	}
}
