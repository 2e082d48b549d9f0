package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skotchmaster/kicklock/internal/audit"
	"github.com/Skotchmaster/kicklock/internal/events"
	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/internal/repo"
	"github.com/Skotchmaster/kicklock/pkg/logging"
	"github.com/Skotchmaster/kicklock/pkg/util"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("token not found")
	ErrAlreadyUsed    = errors.New("this token has already been used")
	ErrConflict       = errors.New("user already has an active token")
	ErrPartialFailure = errors.New("partial failure")
)

type Repo interface {
	CreateToken(ctx context.Context, t *models.Token) error
	TokenByValue(ctx context.Context, value string) (*models.Token, error)
	TokenByID(ctx context.Context, id string) (*models.Token, error)
	TokenForUser(ctx context.Context, userID string) (*models.Token, error)
	AttributeToken(ctx context.Context, value, userID string) error
	SetTokenStatus(ctx context.Context, value string, status models.TokenStatus) error
	DeleteToken(ctx context.Context, id string) error
	DeleteTokenByValue(ctx context.Context, value string) error
	ListTokens(ctx context.Context, offset, limit int) ([]models.Token, int64, error)

	UserByID(ctx context.Context, id string) (*models.User, error)
	SetUserToken(ctx context.Context, userID, token string) error
	DeleteUser(ctx context.Context, userID string) error

	PromoteAttributedTokens(ctx context.Context) (int64, error)
	DeleteOrphanedTokens(ctx context.Context) (int64, error)
	UsersWithStaleToken(ctx context.Context) ([]models.User, error)
}

type Service struct {
	Repo   Repo
	Events events.Publisher
	Audit  *audit.Logger

	Now  func() time.Time
	IntN func(n int) int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) emit(ctx context.Context, typ, userID string, data map[string]any) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, events.New(typ, userID, data)); err != nil {
		logging.FromContext(ctx).Warn("event_publish_failed", "type", typ, "error", err)
	}
}

func (s *Service) newToken(d models.TokenDuration) (*models.Token, error) {
	created := s.now()
	exp, err := ExpiryFor(created, d)
	if err != nil {
		return nil, err
	}
	return &models.Token{
		Token:     NewTokenString(s.IntN),
		Duration:  d,
		Status:    models.TokenActive,
		CreatedAt: created,
		ExpiresAt: exp,
	}, nil
}

// Generate creates an unclaimed Active token. Uniqueness is left to the
// datastore; a collision comes back as an insert error.
func (s *Service) Generate(ctx context.Context, d models.TokenDuration) (*models.Token, error) {
	t, err := s.newToken(d)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.CreateToken(ctx, t); err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}
	s.Audit.Log(ctx, audit.EventTokenGenerated, map[string]any{"token_id": t.ID, "duration": d})
	s.emit(ctx, events.TypeTokenCreated, "", map[string]any{"tokenId": t.ID, "duration": d})
	return t, nil
}

func (s *Service) Lookup(ctx context.Context, value string) (*models.Token, error) {
	t, err := s.Repo.TokenByValue(ctx, value)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// Claim attributes the token to userID and then marks it InUse. Both writes
// are idempotent, so a failed claim can be retried by the same user; the
// reconciler finishes claims that stopped between the two.
func (s *Service) Claim(ctx context.Context, value, userID string) error {
	t, err := s.Lookup(ctx, value)
	if err != nil {
		return err
	}
	if t.Status == models.TokenInUse {
		return ErrAlreadyUsed
	}
	if t.UserID != nil && *t.UserID != "" && *t.UserID != userID {
		return ErrAlreadyUsed
	}

	if err := s.Repo.AttributeToken(ctx, value, userID); err != nil {
		return fmt.Errorf("attribute token: %w", err)
	}
	if err := s.Repo.SetTokenStatus(ctx, value, models.TokenInUse); err != nil {
		return fmt.Errorf("%w: mark token in use: %v", ErrPartialFailure, err)
	}

	s.Audit.Log(ctx, audit.EventTokenClaimed, map[string]any{"token_id": t.ID, "user_id": userID})
	s.emit(ctx, events.TypeTokenClaimed, userID, map[string]any{"tokenId": t.ID})
	return nil
}

// CurrentToken resolves the user's token through the denormalised column
// first and the token table second.
func (s *Service) CurrentToken(ctx context.Context, user *models.User) (*models.Token, error) {
	if user.Token != "" {
		t, err := s.Repo.TokenByValue(ctx, user.Token)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	t, err := s.Repo.TokenForUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// Renew replaces an expired (or missing) token with a fresh InUse one.
// When the final user-column update fails the new token is still returned,
// together with ErrPartialFailure.
func (s *Service) Renew(ctx context.Context, userID string, d models.TokenDuration) (*models.Token, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: unknown duration %q", ErrValidation, d)
	}
	user, err := s.Repo.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: user", ErrNotFound)
		}
		return nil, err
	}

	current, err := s.CurrentToken(ctx, user)
	switch {
	case errors.Is(err, ErrNotFound):
		current = nil
	case err != nil:
		return nil, err
	}
	now := s.now()
	if current != nil && current.ExpiresAt.After(now) {
		return nil, ErrConflict
	}
	if current != nil {
		if err := s.Repo.DeleteToken(ctx, current.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("delete expired token: %w", err)
		}
	}

	t, err := s.newToken(d)
	if err != nil {
		return nil, err
	}
	t.Status = models.TokenInUse
	t.UserID = &userID
	if err := s.Repo.CreateToken(ctx, t); err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}

	if err := s.Repo.SetUserToken(ctx, userID, t.Token); err != nil {
		logging.FromContext(ctx).Error("renew_partial_failure", "user_id", userID, "token_id", t.ID, "error", err)
		return t, fmt.Errorf("%w: update user token: %v", ErrPartialFailure, err)
	}

	s.Audit.Log(ctx, audit.EventTokenRenewed, map[string]any{"token_id": t.ID, "user_id": userID, "duration": d})
	s.emit(ctx, events.TypeTokenRenewed, userID, map[string]any{"tokenId": t.ID, "expiresAt": t.ExpiresAt})
	return t, nil
}

// Delete removes a token regardless of its status.
func (s *Service) Delete(ctx context.Context, tokenID string) error {
	if err := s.Repo.DeleteToken(ctx, tokenID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.Audit.Log(ctx, audit.EventTokenDeleted, map[string]any{"token_id": tokenID})
	s.emit(ctx, events.TypeTokenDeleted, "", map[string]any{"tokenId": tokenID})
	return nil
}

// DeleteTokenAndUser removes the user row and then the token row. The two
// deletes are independent; if the second fails the user is already gone
// and ErrPartialFailure is returned.
func (s *Service) DeleteTokenAndUser(ctx context.Context, userID, token string) error {
	if err := s.Repo.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: user", ErrNotFound)
		}
		return fmt.Errorf("delete user: %w", err)
	}
	s.emit(ctx, events.TypeUserDeleted, userID, nil)

	if token != "" {
		if err := s.Repo.DeleteTokenByValue(ctx, token); err != nil && !errors.Is(err, repo.ErrNotFound) {
			logging.FromContext(ctx).Error("delete_user_partial_failure", "user_id", userID, "error", err)
			s.Audit.Log(ctx, audit.EventUserDeleted, map[string]any{"user_id": userID, "token_deleted": false})
			return fmt.Errorf("%w: delete token: %v", ErrPartialFailure, err)
		}
	}
	s.Audit.Log(ctx, audit.EventUserDeleted, map[string]any{"user_id": userID, "token_deleted": token != ""})
	return nil
}

// DeleteUser resolves the user's token (token table first, then the user
// column) and deletes both rows.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	user, err := s.Repo.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: user", ErrNotFound)
		}
		return err
	}
	token := user.Token
	if t, err := s.Repo.TokenForUser(ctx, userID); err == nil {
		token = t.Token
	}
	return s.DeleteTokenAndUser(ctx, userID, token)
}

type HistoryPage struct {
	Items []models.Token `json:"items"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

// History lists every token, newest first.
func (s *Service) History(ctx context.Context, page, size int) (HistoryPage, error) {
	from, limit := util.Calculate(page, size)
	items, total, err := s.Repo.ListTokens(ctx, from, limit)
	if err != nil {
		return HistoryPage{}, err
	}
	if items == nil {
		items = []models.Token{}
	}
	return HistoryPage{Items: items, Total: total, Page: from/limit + 1, Size: limit}, nil
}

type Report struct {
	Promoted      int64 `json:"promoted"`
	DeletedOrphan int64 `json:"deletedOrphans"`
	UsersRepaired int64 `json:"usersRepaired"`
}

func (r Report) Repairs() int64 { return r.Promoted + r.DeletedOrphan + r.UsersRepaired }

// Reconcile repairs the states left behind by interrupted multi-step writes:
// attributed tokens still Active, InUse tokens whose user is gone, and users
// whose token column does not match the token attributed to them.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	l := logging.FromContext(ctx).With("svc", "invite.reconcile")
	var rep Report

	n, err := s.Repo.PromoteAttributedTokens(ctx)
	if err != nil {
		return rep, fmt.Errorf("promote attributed tokens: %w", err)
	}
	rep.Promoted = n

	n, err = s.Repo.DeleteOrphanedTokens(ctx)
	if err != nil {
		return rep, fmt.Errorf("delete orphaned tokens: %w", err)
	}
	rep.DeletedOrphan = n

	stale, err := s.Repo.UsersWithStaleToken(ctx)
	if err != nil {
		return rep, fmt.Errorf("list stale users: %w", err)
	}
	for _, u := range stale {
		t, err := s.Repo.TokenForUser(ctx, u.ID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				l.Warn("reconcile_lookup_failed", "user_id", u.ID, "error", err)
			}
			continue
		}
		if err := s.Repo.SetUserToken(ctx, u.ID, t.Token); err != nil {
			l.Warn("reconcile_user_update_failed", "user_id", u.ID, "error", err)
			continue
		}
		rep.UsersRepaired++
	}

	if rep.Repairs() > 0 {
		l.Info("reconcile_repaired", "promoted", rep.Promoted, "deleted_orphans", rep.DeletedOrphan, "users_repaired", rep.UsersRepaired)
		s.Audit.Log(ctx, audit.EventReconcileRepair, map[string]any{
			"promoted":        rep.Promoted,
			"deleted_orphans": rep.DeletedOrphan,
			"users_repaired":  rep.UsersRepaired,
		})
	}
	return rep, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	l := logging.FromContext(ctx).With("svc", "invite.reconciler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				l.Error("reconcile_failed", "error", err)
			}
		}
	}
}
