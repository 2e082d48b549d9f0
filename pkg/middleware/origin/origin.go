package origin

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/pkg/logging"
)

type Config struct {
	// AllowedOrigins are scheme://host[:port] values. Same-origin requests
	// always pass.
	AllowedOrigins []string

	// RequireBrowser rejects callers that do not present a browser
	// user agent.
	RequireBrowser bool

	SkipPaths []string
}

func Middleware(cfg Config) echo.MiddlewareFunc {
	allowed := map[string]struct{}{}
	for _, o := range cfg.AllowedOrigins {
		if n := normalize(o); n != "" {
			allowed[n] = struct{}{}
		}
	}
	skip := map[string]struct{}{}
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if _, ok := skip[req.URL.Path]; ok {
				return next(c)
			}
			l := logging.FromContext(req.Context()).With("middleware", "origin")

			method := strings.ToUpper(req.Method)
			if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
				return next(c)
			}

			if !sameOrigin(req) {
				o := requestOrigin(req)
				if _, ok := allowed[normalize(o)]; !ok {
					l.Warn("origin_rejected", "status", 403, "origin", o)
					return echo.NewHTTPError(http.StatusForbidden, "invalid origin")
				}
			}

			if cfg.RequireBrowser && !looksLikeBrowser(req) {
				l.Warn("origin_rejected", "status", 403, "reason", "non-browser client", "user_agent", req.UserAgent())
				return echo.NewHTTPError(http.StatusForbidden, "invalid client")
			}

			return next(c)
		}
	}
}

func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return r.Header.Get("Referer")
}

func normalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func sameOrigin(r *http.Request) bool {
	o := requestOrigin(r)
	if o == "" {
		return false
	}
	u, err := url.Parse(o)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, schemeOf(r)) && strings.EqualFold(u.Host, r.Host)
}

func schemeOf(r *http.Request) string {
	if r.Header.Get("X-Forwarded-Proto") != "" {
		return r.Header.Get("X-Forwarded-Proto")
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func looksLikeBrowser(r *http.Request) bool {
	ua := r.UserAgent()
	if !strings.HasPrefix(ua, "Mozilla/") {
		return false
	}
	// fetch metadata is sent by every current browser; cross-site
	// navigations are never legitimate for these endpoints
	if site := r.Header.Get("Sec-Fetch-Site"); site == "cross-site" && r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return false
	}
	return true
}
