package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/kicklock/internal/invite"
	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/internal/repo"
	"github.com/Skotchmaster/kicklock/pkg/db"
	"github.com/Skotchmaster/kicklock/pkg/hash"
)

type fixture struct {
	svc  *Service
	repo *repo.GormRepo
	mr   *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory(context.Background(), t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	r := repo.New(gdb)
	require.NoError(t, r.Migrate())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{
		svc: &Service{
			Store:    r,
			Sessions: NewSessionStore(client, time.Hour),
			Invites:  &invite.Service{Repo: r},
		},
		repo: r,
		mr:   mr,
	}
}

func TestSignIn_PasswordAndTOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	url, err := f.svc.SetCredentials(ctx, "root", "admin-password", true)
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")

	a, err := f.repo.AdminByUsername(ctx, "root")
	require.NoError(t, err)
	require.NotEmpty(t, a.TOTPSecret)

	_, err = f.svc.SignIn(ctx, "root", "admin-password", "000000")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "root", "wrong-password", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.SignIn(ctx, "nobody", "admin-password", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	code, err := totp.GenerateCodeCustom(a.TOTPSecret, time.Now(), totpOpts)
	require.NoError(t, err)
	sess, err := f.svc.SignIn(ctx, "root", "admin-password", code)
	require.NoError(t, err)
	assert.Equal(t, a.ID, sess.AdminID)
	assert.True(t, f.mr.Exists("admin:session:"+sess.ID))
	assert.Equal(t, time.Hour, f.mr.TTL("admin:session:"+sess.ID))
}

func TestSignIn_WithoutTOTPSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SetCredentials(ctx, "root", "admin-password", false)
	require.NoError(t, err)

	sess, err := f.svc.SignIn(ctx, "root", "admin-password", "")
	require.NoError(t, err)
	assert.Equal(t, "root", sess.Username)
}

func TestRequireAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SetCredentials(ctx, "root", "admin-password", false)
	require.NoError(t, err)
	sess, err := f.svc.SignIn(ctx, "root", "admin-password", "")
	require.NoError(t, err)

	e := echo.New()
	e.GET("/admin/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, SessionFrom(c).Username)
	}, RequireAdmin(f.svc.Sessions))

	do := func(id, name, sid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
		req.Header.Set(HeaderAdminID, id)
		req.Header.Set(HeaderAdminUsername, name)
		req.Header.Set(HeaderAdminSession, sid)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := do(sess.AdminID, "root", sess.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "root", rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do(sess.AdminID, "other", sess.ID).Code)
	assert.Equal(t, http.StatusUnauthorized, do("forged", "root", sess.ID).Code)
	assert.Equal(t, http.StatusUnauthorized, do(sess.AdminID, "root", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(sess.AdminID, "root", "unknown").Code)

	f.mr.FastForward(2 * time.Hour)
	assert.Equal(t, http.StatusUnauthorized, do(sess.AdminID, "root", sess.ID).Code)
}

func TestSignOut_DropsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SetCredentials(ctx, "root", "admin-password", false)
	require.NoError(t, err)
	sess, err := f.svc.SignIn(ctx, "root", "admin-password", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.SignOut(ctx, sess))
	_, err = f.svc.Sessions.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUsers_JoinView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	withRow := &models.User{Username: "alice", PasswordHash: "x"}
	onlyColumn := &models.User{Username: "bob", PasswordHash: "x", Token: "ColumnOnlyToken1"}
	none := &models.User{Username: "carol", PasswordHash: "x"}
	for _, u := range []*models.User{withRow, onlyColumn, none} {
		require.NoError(t, f.repo.CreateUserIfNotExists(ctx, u))
	}
	now := time.Now().UTC()
	require.NoError(t, f.repo.CreateToken(ctx, &models.Token{
		Token: "AliceToken000001", Duration: models.Duration3Months, Status: models.TokenInUse,
		CreatedAt: now, ExpiresAt: now.AddDate(0, 3, 0), UserID: &withRow.ID,
	}))

	rows, err := f.svc.Users(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	got := map[string]UserRow{}
	for _, r := range rows {
		got[r.Username] = r
	}
	assert.Equal(t, "AliceToken000001", got["alice"].Token)
	assert.Equal(t, string(models.TokenInUse), got["alice"].TokenStatus)
	assert.Equal(t, "ColumnOnlyToken1", got["bob"].Token)
	assert.Equal(t, NotAvailable, got["carol"].Token)
}

func TestConfirmDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &models.User{Username: "alice", PasswordHash: "x", Token: "AliceToken000001"}
	require.NoError(t, f.repo.CreateUserIfNotExists(ctx, u))
	now := time.Now().UTC()
	tok := &models.Token{
		Token: "AliceToken000001", Duration: models.Duration3Months, Status: models.TokenInUse,
		CreatedAt: now, ExpiresAt: now.AddDate(0, 3, 0), UserID: &u.ID,
	}
	require.NoError(t, f.repo.CreateToken(ctx, tok))

	assert.ErrorIs(t, f.svc.ConfirmDelete(ctx, u.ID, "everything"), ErrValidation)

	require.NoError(t, f.svc.ConfirmDelete(ctx, u.ID, TargetToken))
	_, err := f.repo.TokenByValue(ctx, tok.Token)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = f.repo.UserByID(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.ConfirmDelete(ctx, u.ID, TargetUser))
	_, err = f.repo.UserByID(ctx, u.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSignIn_UnknownAdminStillChecksPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SetCredentials(ctx, "root", "admin-password", false)
	require.NoError(t, err)

	var checked []string
	f.svc.CheckPassword = func(stored, password string) bool {
		checked = append(checked, stored)
		return hash.CheckPassword(stored, password)
	}

	_, err = f.svc.SignIn(ctx, "nobody", "admin-password", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	require.Len(t, checked, 1)
	assert.Equal(t, hash.DummyHash(), checked[0])

	_, err = f.svc.SignIn(ctx, "root", "admin-password", "")
	require.NoError(t, err)
	require.Len(t, checked, 2)
	assert.NotEqual(t, hash.DummyHash(), checked[1])
}
