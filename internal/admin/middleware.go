package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/pkg/logging"
)

const (
	HeaderAdminID       = "X-Admin-ID"
	HeaderAdminUsername = "X-Admin-Username"
	HeaderAdminSession  = "X-Admin-Session-ID"

	contextKey = "admin_session"
)

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RequireAdmin accepts a request only when all three admin headers match a
// live session.
func RequireAdmin(store *SessionStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			l := logging.FromContext(ctx).With("middleware", "require_admin")
			h := c.Request().Header
			id, name, sid := h.Get(HeaderAdminID), h.Get(HeaderAdminUsername), h.Get(HeaderAdminSession)
			if id == "" || name == "" || sid == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}

			sess, err := store.Get(ctx, sid)
			if err != nil {
				if !errors.Is(err, ErrSessionNotFound) {
					l.Error("admin_session_lookup_failed", "error", err)
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}
			idOK, nameOK := equal(sess.AdminID, id), equal(sess.Username, name)
			if !idOK || !nameOK {
				l.Warn("admin_session_mismatch", "status", 401)
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}

			c.Set(contextKey, sess)
			c.Set("admin_id", sess.AdminID)
			return next(c)
		}
	}
}

func SessionFrom(c echo.Context) *Session {
	s, _ := c.Get(contextKey).(*Session)
	return s
}
