package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/kicklock/internal/audit"
	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/internal/repo"
	"github.com/Skotchmaster/kicklock/pkg/db"
)

var errInjected = errors.New("injected failure")

// flakyRepo fails selected writes to exercise the partial-failure paths.
type flakyRepo struct {
	*repo.GormRepo
	failSetStatus    bool
	failSetUserToken bool
	failDeleteToken  bool
}

func (f *flakyRepo) SetTokenStatus(ctx context.Context, v string, s models.TokenStatus) error {
	if f.failSetStatus {
		return errInjected
	}
	return f.GormRepo.SetTokenStatus(ctx, v, s)
}

func (f *flakyRepo) SetUserToken(ctx context.Context, id, tok string) error {
	if f.failSetUserToken {
		return errInjected
	}
	return f.GormRepo.SetUserToken(ctx, id, tok)
}

func (f *flakyRepo) DeleteTokenByValue(ctx context.Context, v string) error {
	if f.failDeleteToken {
		return errInjected
	}
	return f.GormRepo.DeleteTokenByValue(ctx, v)
}

type testEnv struct {
	svc  *Service
	repo *flakyRepo
	now  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.OpenMemory(context.Background(), t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	r := repo.New(gdb)
	require.NoError(t, r.Migrate())

	env := &testEnv{repo: &flakyRepo{GormRepo: r}, now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	env.svc = &Service{
		Repo:  env.repo,
		Audit: &audit.Logger{Store: r},
		Now:   func() time.Time { return env.now },
	}
	return env
}

func (e *testEnv) user(t *testing.T, name string) *models.User {
	t.Helper()
	u := &models.User{Username: name, PasswordHash: "h"}
	require.NoError(t, e.repo.CreateUserIfNotExists(context.Background(), u))
	return u
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.svc.Generate(ctx, models.Duration3Months)
	require.NoError(t, err)
	assert.True(t, ValidToken(tok.Token))
	assert.Equal(t, models.TokenActive, tok.Status)
	assert.Nil(t, tok.UserID)
	assert.True(t, env.now.AddDate(0, 3, 0).Equal(tok.ExpiresAt))

	_, err = env.svc.Generate(ctx, "forever")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGenerate_CollisionSurfacesAsInsertError(t *testing.T) {
	env := newTestEnv(t)
	env.svc.IntN = func(int) int { return 0 }

	_, err := env.svc.Generate(context.Background(), models.Duration1Year)
	require.NoError(t, err)
	_, err = env.svc.Generate(context.Background(), models.Duration1Year)
	assert.ErrorIs(t, err, repo.ErrDuplicate)
}

func TestClaim_ScenarioSecondUseFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.svc.Generate(ctx, models.Duration3Months)
	require.NoError(t, err)
	u := env.user(t, "alice")

	require.NoError(t, env.svc.Claim(ctx, tok.Token, u.ID))

	got, err := env.repo.TokenByValue(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, models.TokenInUse, got.Status)
	require.NotNil(t, got.UserID)
	assert.Equal(t, u.ID, *got.UserID)

	other := env.user(t, "bob")
	assert.ErrorIs(t, env.svc.Claim(ctx, tok.Token, other.ID), ErrAlreadyUsed)
	assert.ErrorIs(t, env.svc.Claim(ctx, tok.Token, u.ID), ErrAlreadyUsed)
}

func TestClaim_NotFound(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.svc.Claim(context.Background(), "NOPENOPENOPENOPE", "u"), ErrNotFound)
}

func TestClaim_PartialFailureIsRetriableAndReconciled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok, err := env.svc.Generate(ctx, models.Duration6Months)
	require.NoError(t, err)
	u := env.user(t, "carol")

	env.repo.failSetStatus = true
	assert.ErrorIs(t, env.svc.Claim(ctx, tok.Token, u.ID), ErrPartialFailure)

	// attributed but still Active: nobody else may take it
	intruder := env.user(t, "mallory")
	assert.ErrorIs(t, env.svc.Claim(ctx, tok.Token, intruder.ID), ErrAlreadyUsed)

	env.repo.failSetStatus = false
	rep, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.Promoted)

	got, err := env.repo.TokenByValue(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, models.TokenInUse, got.Status)
}

func TestClaim_SameUserRetrySucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok, err := env.svc.Generate(ctx, models.Duration6Months)
	require.NoError(t, err)
	u := env.user(t, "dave")

	env.repo.failSetStatus = true
	require.Error(t, env.svc.Claim(ctx, tok.Token, u.ID))
	env.repo.failSetStatus = false
	require.NoError(t, env.svc.Claim(ctx, tok.Token, u.ID))
}

func claimed(t *testing.T, env *testEnv, name string, d models.TokenDuration) (*models.User, *models.Token) {
	t.Helper()
	ctx := context.Background()
	tok, err := env.svc.Generate(ctx, d)
	require.NoError(t, err)
	u := env.user(t, name)
	require.NoError(t, env.repo.SetUserToken(ctx, u.ID, tok.Token))
	require.NoError(t, env.svc.Claim(ctx, tok.Token, u.ID))
	return u, tok
}

func TestRenew_RefusedWhileTokenUnexpired(t *testing.T) {
	env := newTestEnv(t)
	u, tok := claimed(t, env, "erin", models.Duration3Months)

	env.now = tok.ExpiresAt.Add(-time.Second)
	_, err := env.svc.Renew(context.Background(), u.ID, models.Duration1Year)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRenew_ProceedsOnceExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u, old := claimed(t, env, "frank", models.Duration3Months)

	env.now = old.ExpiresAt
	fresh, err := env.svc.Renew(ctx, u.ID, models.Duration6Months)
	require.NoError(t, err)
	assert.Equal(t, models.TokenInUse, fresh.Status)
	assert.Equal(t, u.ID, *fresh.UserID)
	assert.True(t, old.ExpiresAt.AddDate(0, 6, 0).Equal(fresh.ExpiresAt))

	_, err = env.repo.TokenByID(ctx, old.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	got, err := env.repo.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.Token, got.Token)
}

func TestRenew_WithoutAnyToken(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "gina")
	fresh, err := env.svc.Renew(context.Background(), u.ID, models.Duration1Year)
	require.NoError(t, err)
	assert.Equal(t, models.TokenInUse, fresh.Status)

	_, err = env.svc.Renew(context.Background(), "missing", models.Duration1Year)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.Renew(context.Background(), u.ID, "weekly")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRenew_PartialFailureReturnsTokenAndIsReconciled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u, old := claimed(t, env, "hank", models.Duration3Months)
	env.now = old.ExpiresAt.Add(time.Hour)

	env.repo.failSetUserToken = true
	fresh, err := env.svc.Renew(ctx, u.ID, models.Duration3Months)
	assert.ErrorIs(t, err, ErrPartialFailure)
	require.NotNil(t, fresh)

	env.repo.failSetUserToken = false
	rep, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.UsersRepaired)

	got, err := env.repo.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.Token, got.Token)
}

func TestDeleteUser_ScenarioRemovesBothRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u, tok := claimed(t, env, "ivan", models.Duration1Year)

	require.NoError(t, env.svc.DeleteUser(ctx, u.ID))

	_, err := env.repo.UserByID(ctx, u.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.repo.TokenByID(ctx, tok.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	assert.ErrorIs(t, env.svc.DeleteUser(ctx, u.ID), ErrNotFound)
}

func TestDeleteTokenAndUser_PartialFailureLeavesOrphanForReconciler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u, tok := claimed(t, env, "judy", models.Duration1Year)

	env.repo.failDeleteToken = true
	assert.ErrorIs(t, env.svc.DeleteTokenAndUser(ctx, u.ID, tok.Token), ErrPartialFailure)
	_, err := env.repo.TokenByID(ctx, tok.ID)
	require.NoError(t, err)

	rep, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.DeletedOrphan)
	_, err = env.repo.TokenByID(ctx, tok.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, tok := claimed(t, env, "kim", models.Duration1Year)

	require.NoError(t, env.svc.Delete(ctx, tok.ID))
	assert.ErrorIs(t, env.svc.Delete(ctx, tok.ID), ErrNotFound)
}

func TestHistory_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		tok, err := env.svc.Generate(ctx, models.Duration3Months)
		require.NoError(t, err)
		ids = append(ids, tok.ID)
		env.now = env.now.Add(time.Minute)
	}

	page, err := env.svc.History(ctx, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[2], page.Items[0].ID)
	assert.Equal(t, ids[1], page.Items[1].ID)

	page, err = env.svc.History(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, ids[0], page.Items[0].ID)
}

func TestReconcile_NothingToDo(t *testing.T) {
	env := newTestEnv(t)
	claimed(t, env, "leo", models.Duration1Year)
	rep, err := env.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Repairs())
}
