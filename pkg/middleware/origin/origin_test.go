package origin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0"

func serve(cfg Config, method string, hdr map[string]string) int {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.Any("/deploy", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(method, "http://app.example/deploy", nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddleware(t *testing.T) {
	cfg := Config{AllowedOrigins: []string{"https://kicklock.example"}, RequireBrowser: true}

	tests := []struct {
		name   string
		method string
		hdr    map[string]string
		want   int
	}{
		{"get passes", http.MethodGet, nil, http.StatusOK},
		{"no origin", http.MethodPost, map[string]string{"User-Agent": browserUA}, http.StatusForbidden},
		{"same origin", http.MethodPost, map[string]string{"Origin": "http://app.example", "User-Agent": browserUA}, http.StatusOK},
		{"allowed origin", http.MethodPost, map[string]string{"Origin": "https://KICKLOCK.example", "User-Agent": browserUA}, http.StatusOK},
		{"referer fallback", http.MethodPost, map[string]string{"Referer": "https://kicklock.example/panel", "User-Agent": browserUA}, http.StatusOK},
		{"foreign origin", http.MethodPost, map[string]string{"Origin": "https://evil.example", "User-Agent": browserUA}, http.StatusForbidden},
		{"curl", http.MethodPost, map[string]string{"Origin": "https://kicklock.example", "User-Agent": "curl/8.0"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serve(cfg, tt.method, tt.hdr))
		})
	}
}

func TestMiddleware_BrowserCheckOptional(t *testing.T) {
	cfg := Config{AllowedOrigins: []string{"https://kicklock.example"}}
	code := serve(cfg, http.MethodPost, map[string]string{"Origin": "https://kicklock.example", "User-Agent": "curl/8.0"})
	assert.Equal(t, http.StatusOK, code)
}
