package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionEcho(f *fixture) (*echo.Echo, *Middleware) {
	mw := &Middleware{Svc: f.svc, Secret: []byte("test-secret")}
	e := echo.New()
	e.GET("/me", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"user_id": UserID(c), "username": Username(c), "session_id": SessionID(c)})
	}, mw.RequireSession())
	e.POST("/signin", func(c echo.Context) error {
		res, err := f.svc.SignIn(c.Request().Context(), "alice", "correct horse")
		if err != nil {
			return err
		}
		if err := mw.Issue(c, res); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	})
	return e, mw
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie set", CookieName)
	return nil
}

func TestRequireSession_Cookie(t *testing.T) {
	f := newFixture(t)
	u := f.signUp(t, "alice")
	e, _ := newSessionEcho(f)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/signin", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	ck := sessionCookie(t, rec)
	assert.True(t, ck.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(ck)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), u.ID)

	// a second sign-in supersedes the first cookie
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/signin", nil))
	require.Equal(t, http.StatusOK, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(ck)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireSession_HeaderShim(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "alice")
	e, _ := newSessionEcho(f)

	res, err := f.svc.SignIn(context.Background(), "alice", "correct horse")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+res.SessionToken)
	req.Header.Set(HeaderUserID, res.UserID)
	req.Header.Set(HeaderSessID, res.SessionID)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), res.SessionID)

	req.Header.Set(HeaderSessID, "stale")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireSession_Missing(t *testing.T) {
	f := newFixture(t)
	e, _ := newSessionEcho(f)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "not-a-jwt"})
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCredentials_FromCookieOrHeaders(t *testing.T) {
	f := newFixture(t)
	f.signUp(t, "alice")
	e, mw := newSessionEcho(f)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/signin", nil))
	ck := sessionCookie(t, rec)

	req := httptest.NewRequest(http.MethodPost, "/beacon", nil)
	req.AddCookie(ck)
	c := e.NewContext(req, httptest.NewRecorder())
	creds, ok := mw.Credentials(c)
	require.True(t, ok)
	assert.NotEmpty(t, creds.SessionToken)

	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/beacon", nil), httptest.NewRecorder())
	_, ok = mw.Credentials(c)
	assert.False(t, ok)
}
