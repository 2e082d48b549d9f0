package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"github.com/Skotchmaster/kicklock/internal/admin"
	"github.com/Skotchmaster/kicklock/internal/events"
	"github.com/Skotchmaster/kicklock/internal/session"
	pkgdb "github.com/Skotchmaster/kicklock/pkg/db"
	"github.com/Skotchmaster/kicklock/pkg/metrics"
	loggingmw "github.com/Skotchmaster/kicklock/pkg/middleware/logging"
	"github.com/Skotchmaster/kicklock/pkg/middleware/origin"
	"github.com/Skotchmaster/kicklock/pkg/ratelimit"
)

type Deps struct {
	DB     *gorm.DB
	Logger *slog.Logger

	Auth   *AuthHTTP
	Deploy *DeployHTTP
	Galaxy *GalaxyHTTP
	Git    *GitHTTP
	Admin  *AdminHTTP

	Sessions      *session.Middleware
	AdminSessions *admin.SessionStore
	SessionEvents *events.WSHandler

	Metrics    *metrics.Metrics
	Limiter    *ratelimit.Limiter
	RateLimit  int
	RateWindow time.Duration

	APIKey         string
	AllowedOrigins []string
	MaxBody        string
}

func Register(e *echo.Echo, d *Deps) error {
	e.HTTPErrorHandler = ErrorHandler(e)
	e.Validator = NewValidator()

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(loggingmw.RequestLogger(logger))
	if d.Metrics != nil {
		e.Use(d.Metrics.Middleware())
	}
	e.Use(echomw.Secure())
	if d.MaxBody != "" {
		e.Use(echomw.BodyLimit(d.MaxBody))
	}
	if len(d.AllowedOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:     d.AllowedOrigins,
			AllowCredentials: true,
			AllowHeaders: []string{
				echo.HeaderContentType, echo.HeaderAuthorization,
				session.HeaderUserID, session.HeaderSessID,
				admin.HeaderAdminID, admin.HeaderAdminUsername, admin.HeaderAdminSession,
			},
		}))
	}

	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if err := pkgdb.Ping(c.Request().Context(), d.DB); err != nil {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	})
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}

	limit := func(group string) echo.MiddlewareFunc {
		return ratelimit.Middleware(d.Limiter, d.RateLimit, d.RateWindow, ratelimit.ByIP(group))
	}
	limitUser := func(group string) echo.MiddlewareFunc {
		return ratelimit.Middleware(d.Limiter, d.RateLimit, d.RateWindow, byUser(group))
	}
	requireSession := d.Sessions.RequireSession()
	sameSite := cookieOnly(origin.Middleware(origin.Config{AllowedOrigins: d.AllowedOrigins}))

	auth := e.Group("/auth")
	auth.POST("/signin", d.Auth.SignIn, limit("signin"))
	auth.POST("/signup", d.Auth.SignUp, limit("signup"))
	auth.POST("/beacon-signout-undeploy", d.Auth.Beacon)

	authed := auth.Group("", requireSession, sameSite)
	authed.POST("/signout", d.Auth.SignOut)
	authed.GET("/session-details", d.Auth.SessionDetails)
	authed.POST("/renew-token", d.Auth.RenewToken)
	if d.SessionEvents != nil {
		authed.GET("/session-events", d.SessionEvents.Serve)
	}

	apiKey, galaxyLimit := RequireAPIKey(d.APIKey), limit("galaxy")
	e.POST("/deploy", d.Galaxy.Deploy, apiKey, galaxyLimit, origin.Middleware(origin.Config{
		AllowedOrigins: d.AllowedOrigins,
		RequireBrowser: true,
	}))
	e.POST("/undeploy", d.Galaxy.Undeploy, apiKey, galaxyLimit)
	e.POST("/status", d.Galaxy.Status, apiKey, galaxyLimit)
	e.POST("/actions/:action/:formNumber", d.Galaxy.Actions, apiKey, galaxyLimit)

	e.POST("/localt/action", d.Deploy.LocalAction, requireSession, sameSite, limitUser("actions"))

	deployments := e.Group("/deployments", requireSession, sameSite)
	deployments.GET("/state", d.Deploy.State)
	deployments.POST("", d.Deploy.Start, limitUser("deployments"))
	deployments.DELETE("", d.Deploy.Stop)
	deployments.POST("/acknowledge", d.Deploy.Acknowledge)

	git := e.Group("/git", requireSession, sameSite)
	git.GET("/galaxyapi/runs", d.Git.Runs)
	git.POST("/galaxyapi/runs", d.Git.Cancel)
	git.GET("/latest-user-run", d.Git.LatestUserRun)

	adm := e.Group("/admin")
	adm.POST("/auth/signin", d.Admin.SignIn, limit("admin_signin"))

	guarded := adm.Group("", admin.RequireAdmin(d.AdminSessions))
	guarded.POST("/auth/signout", d.Admin.SignOut)
	guarded.POST("/tokens", d.Admin.GenerateToken)
	guarded.DELETE("/tokens/:id", d.Admin.DeleteToken)
	guarded.GET("/token-history", d.Admin.TokenHistory)
	guarded.POST("/renew-token", d.Admin.RenewToken)
	guarded.GET("/users", d.Admin.Users)
	guarded.DELETE("/users/:id", d.Admin.DeleteUser)
	guarded.POST("/users/:id/confirm-delete", d.Admin.ConfirmDelete)
	guarded.GET("/security-logs", d.Admin.SecurityLogs)
	guarded.POST("/reconcile", d.Admin.Reconcile)

	return nil
}

// byUser keys the limiter by the signed-in user, falling back to the
// client IP.
func byUser(group string) ratelimit.KeyFunc {
	return func(c echo.Context) string {
		if id := session.UserID(c); id != "" {
			return group + ":user:" + id
		}
		return group + ":ip:" + c.RealIP()
	}
}

// cookieOnly applies the origin check to cookie-authenticated requests.
// Header-authenticated calls cannot be forged cross-site.
func cookieOnly(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		checked := mw(next)
		return func(c echo.Context) error {
			if _, err := c.Cookie(session.CookieName); err != nil {
				return next(c)
			}
			return checked(c)
		}
	}
}
