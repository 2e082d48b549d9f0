package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/Skotchmaster/kicklock/internal/audit"
	"github.com/Skotchmaster/kicklock/internal/invite"
	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/internal/repo"
	"github.com/Skotchmaster/kicklock/pkg/hash"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

const (
	totpIssuer   = "KickLock"
	NotAvailable = "N/A"

	TargetToken = "token"
	TargetUser  = "user"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

type Store interface {
	AdminByUsername(ctx context.Context, username string) (*models.Admin, error)
	UpsertAdmin(ctx context.Context, a *models.Admin) error
	ListUsers(ctx context.Context) ([]models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
	TokensByUserIDs(ctx context.Context, ids []string) ([]models.Token, error)
	TokenForUser(ctx context.Context, userID string) (*models.Token, error)
}

type Service struct {
	Store    Store
	Sessions *SessionStore
	Invites  *invite.Service
	Audit    *audit.Logger
	Now      func() time.Time

	// CheckPassword defaults to hash.CheckPassword.
	CheckPassword func(hash, password string) bool
}

func (s *Service) checkPassword(stored, password string) bool {
	if s.CheckPassword != nil {
		return s.CheckPassword(stored, password)
	}
	return hash.CheckPassword(stored, password)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// SignIn checks the password and, when the admin has a TOTP secret, the
// one-time code, then opens a server-side session.
func (s *Service) SignIn(ctx context.Context, username, password, code string) (*Session, error) {
	l := logging.FromContext(ctx).With("svc", "admin.signin")
	fail := func(reason string) (*Session, error) {
		l.Warn("admin_signin_failed", "username", username, "reason", reason)
		s.Audit.Log(ctx, audit.EventAdminSignInFailed, map[string]any{"username": username})
		return nil, ErrInvalidCredentials
	}

	a, err := s.Store.AdminByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.checkPassword(hash.DummyHash(), password)
			return fail("unknown_admin")
		}
		return nil, fmt.Errorf("lookup admin: %w", err)
	}
	if !s.checkPassword(a.PasswordHash, password) {
		return fail("bad_password")
	}
	if a.TOTPSecret != "" {
		ok, err := totp.ValidateCustom(strings.TrimSpace(code), a.TOTPSecret, s.now(), totpOpts)
		if err != nil || !ok {
			return fail("bad_totp")
		}
	}

	sess, err := s.Sessions.Create(ctx, a.ID, a.Username)
	if err != nil {
		return nil, err
	}
	s.Audit.Log(ctx, audit.EventAdminSignIn, map[string]any{"admin_id": a.ID, "username": a.Username})
	l.Info("admin_signin_successful", "admin_id", a.ID)
	return sess, nil
}

func (s *Service) SignOut(ctx context.Context, sess *Session) error {
	if err := s.Sessions.Delete(ctx, sess.ID); err != nil {
		return err
	}
	s.Audit.Log(ctx, audit.EventAdminSignOut, map[string]any{"admin_id": sess.AdminID, "username": sess.Username})
	return nil
}

// SetCredentials creates or updates an admin. With enableTOTP a fresh secret
// is generated and its provisioning URL returned.
func (s *Service) SetCredentials(ctx context.Context, username, password string, enableTOTP bool) (string, error) {
	if username == "" || len(password) < 8 {
		return "", fmt.Errorf("%w: username and a password of at least 8 characters are required", ErrValidation)
	}
	pw, err := hash.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	a := &models.Admin{Username: username, PasswordHash: pw}
	url := ""
	if enableTOTP {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: totpIssuer, AccountName: username})
		if err != nil {
			return "", fmt.Errorf("generate totp: %w", err)
		}
		a.TOTPSecret = strings.TrimSpace(key.Secret())
		url = key.URL()
	}
	if err := s.Store.UpsertAdmin(ctx, a); err != nil {
		return "", fmt.Errorf("save admin: %w", err)
	}
	return url, nil
}

type UserRow struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Token          string     `json:"token"`
	TokenID        string     `json:"tokenId,omitempty"`
	TokenStatus    string     `json:"tokenStatus,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	LoginCount     int        `json:"loginCount"`
	LastLogin      *time.Time `json:"lastLogin"`
	LastLogout     *time.Time `json:"lastLogout"`
	Deployed       bool       `json:"deployed"`
	SignedIn       bool       `json:"signedIn"`
}

// Users pairs each user with the token row attributed to it, falling back
// to the user's own token column and then to "N/A".
func (s *Service) Users(ctx context.Context) ([]UserRow, error) {
	users, err := s.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	toks, err := s.Store.TokensByUserIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]models.Token, len(toks))
	for _, t := range toks {
		if t.UserID == nil {
			continue
		}
		// newest wins
		if cur, ok := byUser[*t.UserID]; !ok || t.CreatedAt.After(cur.CreatedAt) {
			byUser[*t.UserID] = t
		}
	}

	rows := make([]UserRow, 0, len(users))
	for _, u := range users {
		row := UserRow{
			ID:         u.ID,
			Username:   u.Username,
			Token:      NotAvailable,
			LoginCount: u.LoginCount,
			LastLogin:  u.LastLogin,
			LastLogout: u.LastLogout,
			Deployed:   u.Deployed(),
			SignedIn:   u.ActiveSessionID != nil,
		}
		if t, ok := byUser[u.ID]; ok {
			exp := t.ExpiresAt
			row.Token, row.TokenID, row.TokenStatus, row.TokenExpiresAt = t.Token, t.ID, string(t.Status), &exp
		} else if u.Token != "" {
			row.Token = u.Token
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ConfirmDelete runs the per-row confirmation: target "token" removes only
// the user's token, target "user" removes the user and the token.
func (s *Service) ConfirmDelete(ctx context.Context, userID, target string) error {
	switch target {
	case TargetUser:
		return s.Invites.DeleteUser(ctx, userID)
	case TargetToken:
		u, err := s.Store.UserByID(ctx, userID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: user", ErrNotFound)
			}
			return err
		}
		if t, err := s.Store.TokenForUser(ctx, userID); err == nil {
			return s.Invites.Delete(ctx, t.ID)
		}
		if u.Token == "" {
			return fmt.Errorf("%w: token", ErrNotFound)
		}
		t, err := s.Invites.Lookup(ctx, u.Token)
		if err != nil {
			return err
		}
		return s.Invites.Delete(ctx, t.ID)
	default:
		return fmt.Errorf("%w: target must be %q or %q", ErrValidation, TargetToken, TargetUser)
	}
}
