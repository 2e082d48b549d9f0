package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/pkg/logging"
	"github.com/Skotchmaster/kicklock/pkg/tokens"
)

const (
	CookieName   = "kl_session"
	cookiePath   = "/"
	jwtKey       = "session_jwt"
	DefaultTTL   = 12 * time.Hour
	HeaderUserID = "X-User-ID"
	HeaderSessID = "X-Session-ID"
)

// Middleware authenticates browser requests from the session cookie or the
// header shim (bearer session token plus user and session id headers).
type Middleware struct {
	Svc    *Service
	Secret []byte
	TTL    time.Duration
}

func (m *Middleware) ttl() time.Duration {
	if m.TTL <= 0 {
		return DefaultTTL
	}
	return m.TTL
}

func CredentialsFromHeaders(h http.Header) (Credentials, bool) {
	auth := h.Get(echo.HeaderAuthorization)
	tok, ok := strings.CutPrefix(auth, "Bearer ")
	c := Credentials{
		UserID:       h.Get(HeaderUserID),
		SessionID:    h.Get(HeaderSessID),
		SessionToken: strings.TrimSpace(tok),
	}
	return c, ok && c.complete()
}

func credentialsFromClaims(cl *tokens.SessionClaims) Credentials {
	return Credentials{UserID: cl.Subject, SessionID: cl.SessionID, SessionToken: cl.SessionToken}
}

// Credentials resolves the caller's session pair without requiring it:
// headers first, then the cookie.
func (m *Middleware) Credentials(c echo.Context) (Credentials, bool) {
	if creds, ok := CredentialsFromHeaders(c.Request().Header); ok {
		return creds, true
	}
	ck, err := c.Cookie(CookieName)
	if err != nil || ck.Value == "" {
		return Credentials{}, false
	}
	cl, err := tokens.SessionClaimsFromToken(ck.Value, m.Secret)
	if err != nil {
		return Credentials{}, false
	}
	return credentialsFromClaims(cl), true
}

func (m *Middleware) RequireSession() echo.MiddlewareFunc {
	cookie := echojwt.WithConfig(echojwt.Config{
		Skipper: func(c echo.Context) bool {
			_, ok := CredentialsFromHeaders(c.Request().Header)
			return ok
		},
		SigningKey:    m.Secret,
		SigningMethod: echojwt.AlgorithmHS256,
		ContextKey:    jwtKey,
		TokenLookup:   "cookie:" + CookieName,
		NewClaimsFunc: func(echo.Context) jwt.Claims { return new(tokens.SessionClaims) },
		ErrorHandler: func(c echo.Context, err error) error {
			logging.FromContext(c.Request().Context()).Warn("session_cookie_rejected", "status", 401, "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		},
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return cookie(m.authenticate(next))
	}
}

func (m *Middleware) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		creds, fromHeaders := CredentialsFromHeaders(c.Request().Header)
		if !fromHeaders {
			tok, ok := c.Get(jwtKey).(*jwt.Token)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}
			cl, ok := tok.Claims.(*tokens.SessionClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}
			creds = credentialsFromClaims(cl)
		}

		u, err := m.Svc.Authenticate(ctx, creds)
		if err != nil {
			if !fromHeaders {
				c.SetCookie(tokens.DeleteCookie(CookieName, cookiePath))
			}
			logging.FromContext(ctx).Warn("session_rejected", "status", 401, "user_id", creds.UserID)
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		}
		setUserContext(c, u, creds.SessionID)
		return next(c)
	}
}

func setUserContext(c echo.Context, u *models.User, sessionID string) {
	c.Set("user_id", u.ID)
	c.Set("username", u.Username)
	c.Set("session_id", sessionID)
	c.Set("user", u)
	ctx := logging.IntoContext(c.Request().Context(), logging.FromContext(c.Request().Context()).With("user_id", u.ID))
	c.SetRequest(c.Request().WithContext(ctx))
}

// Issue stores the session pair in a signed cookie.
func (m *Middleware) Issue(c echo.Context, r *Result) error {
	exp := time.Now().Add(m.ttl())
	signed, err := tokens.Sign(tokens.NewSessionClaims(r.UserID, r.SessionID, r.SessionToken, exp), m.Secret)
	if err != nil {
		return err
	}
	c.SetCookie(tokens.CreateCookie(CookieName, signed, cookiePath, exp))
	return nil
}

func (m *Middleware) Clear(c echo.Context) {
	c.SetCookie(tokens.DeleteCookie(CookieName, cookiePath))
}

func UserID(c echo.Context) string {
	s, _ := c.Get("user_id").(string)
	return s
}

func Username(c echo.Context) string {
	s, _ := c.Get("username").(string)
	return s
}

func SessionID(c echo.Context) string {
	s, _ := c.Get("session_id").(string)
	return s
}

func User(c echo.Context) *models.User {
	u, _ := c.Get("user").(*models.User)
	return u
}
