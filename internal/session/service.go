package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Skotchmaster/kicklock/internal/audit"
	"github.com/Skotchmaster/kicklock/internal/events"
	"github.com/Skotchmaster/kicklock/internal/invite"
	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/internal/repo"
	"github.com/Skotchmaster/kicklock/pkg/hash"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrValidation         = errors.New("validation failed")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return v
}()

type Store interface {
	CreateUserIfNotExists(ctx context.Context, u *models.User) error
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
	SetSession(ctx context.Context, userID, sessionToken, sessionID string, now time.Time) error
	ClearSession(ctx context.Context, userID string, now time.Time) error
	ClearDeployment(ctx context.Context, userID string) error
	DeleteUser(ctx context.Context, userID string) error
}

type Tokens interface {
	Lookup(ctx context.Context, value string) (*models.Token, error)
	Claim(ctx context.Context, value, userID string) error
	CurrentToken(ctx context.Context, user *models.User) (*models.Token, error)
}

// Undeployer stops a user's workload out of band.
type Undeployer interface {
	Undeploy(ctx context.Context, modalName string) (json.RawMessage, error)
}

// Deployments forgets in-memory deployment state for a user.
type Deployments interface {
	Reset(userID string)
}

type Service struct {
	Store       Store
	Tokens      Tokens
	Events      events.Publisher
	Audit       *audit.Logger
	Gradio      Undeployer
	Deployments Deployments

	LogicalSuffix string
	Now           func() time.Time
	Rand          io.Reader

	// CheckPassword defaults to hash.CheckPassword.
	CheckPassword func(hash, password string) bool
}

func (s *Service) checkPassword(stored, password string) bool {
	if s.CheckPassword != nil {
		return s.CheckPassword(stored, password)
	}
	return hash.CheckPassword(stored, password)
}

type Credentials struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`
}

func (c Credentials) complete() bool {
	return c.UserID != "" && c.SessionID != "" && c.SessionToken != ""
}

type Result struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	SessionToken string `json:"sessionToken"`
	SessionID    string `json:"sessionId"`
}

type SignUpInput struct {
	Username string `json:"username" validate:"required,username"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Token    string `json:"token" validate:"required"`
}

type Details struct {
	Username       string     `json:"username"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logical(username string) string {
	return username + s.LogicalSuffix
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		logging.FromContext(ctx).Warn("event_publish_failed", "type", ev.Type, "error", err)
	}
}

// NewSessionToken returns 32 random bytes in hex followed by the issue time
// in base-36 milliseconds.
func NewSessionToken(r io.Reader, now time.Time) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, 32)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf) + "-" + strconv.FormatInt(now.UnixMilli(), 36), nil
}

func (s *Service) signInFailed(ctx context.Context, username, reason string) {
	logging.FromContext(ctx).Warn("signin_failed", "username", username, "reason", reason)
	s.Audit.Log(ctx, audit.EventSignInFailed, map[string]any{"username": username})
}

// SignIn replaces the user's session pair. A previous session is told to
// terminate before the new pair is stored, so the old tab sees the event
// and then fails its next authenticated call.
func (s *Service) SignIn(ctx context.Context, username, password string) (*Result, error) {
	l := logging.FromContext(ctx).With("svc", "session.signin")

	u, err := s.Store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.checkPassword(hash.DummyHash(), password)
			s.signInFailed(ctx, username, "unknown_user")
			return nil, ErrInvalidCredentials
		}
		l.Error("signin_lookup_failed", "error", err)
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !s.checkPassword(u.PasswordHash, password) {
		s.signInFailed(ctx, username, "bad_password")
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	token, err := NewSessionToken(s.Rand, now)
	if err != nil {
		return nil, err
	}
	sid := uuid.NewString()

	if u.ActiveSessionID != nil && *u.ActiveSessionID != "" {
		ev := events.New(events.TypeSessionTerminated, u.ID, map[string]any{"reason": "signed_in_elsewhere"})
		ev.SessionID = *u.ActiveSessionID
		s.emit(ctx, ev)
		s.Audit.Log(ctx, audit.EventSessionTerminated, map[string]any{"user_id": u.ID, "session_id": *u.ActiveSessionID})
	}

	if err := s.Store.SetSession(ctx, u.ID, token, sid, now); err != nil {
		l.Error("signin_persist_failed", "user_id", u.ID, "error", err)
		return nil, fmt.Errorf("store session: %w", err)
	}

	s.Audit.Log(ctx, audit.EventSignIn, map[string]any{"user_id": u.ID, "username": u.Username})
	s.emit(ctx, events.New(events.TypeUserSignedIn, u.ID, map[string]any{"sessionId": sid}))
	l.Info("signin_successful", "user_id", u.ID)

	return &Result{UserID: u.ID, Username: u.Username, SessionToken: token, SessionID: sid}, nil
}

// SignUp creates the account and claims the invite token for it. A claim
// that stopped halfway is reported as invite.ErrPartialFailure with the
// created user; the reconciler completes it.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "session.signup", "username", in.Username)

	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !invite.ValidToken(in.Token) {
		return nil, invite.ErrNotFound
	}
	t, err := s.Tokens.Lookup(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TokenInUse {
		return nil, invite.ErrAlreadyUsed
	}

	pw, err := hash.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &models.User{Username: in.Username, PasswordHash: pw, Token: in.Token}
	if err := s.Store.CreateUserIfNotExists(ctx, u); err != nil {
		return nil, err
	}

	if err := s.Tokens.Claim(ctx, in.Token, u.ID); err != nil {
		if errors.Is(err, invite.ErrPartialFailure) {
			l.Warn("signup_partial", "user_id", u.ID, "error", err)
			return u, err
		}
		if derr := s.Store.DeleteUser(ctx, u.ID); derr != nil {
			l.Error("signup_rollback_failed", "user_id", u.ID, "error", derr)
		}
		return nil, err
	}

	s.Audit.Log(ctx, audit.EventSignUp, map[string]any{"user_id": u.ID, "username": u.Username})
	s.emit(ctx, events.New(events.TypeUserCreated, u.ID, map[string]any{"username": u.Username}))
	l.Info("signup_successful", "user_id", u.ID)
	return u, nil
}

// Authenticate requires the stored pair to equal the presented one exactly.
func (s *Service) Authenticate(ctx context.Context, c Credentials) (*models.User, error) {
	if !c.complete() {
		return nil, ErrUnauthenticated
	}
	u, err := s.Store.UserByID(ctx, c.UserID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			logging.FromContext(ctx).Warn("authenticate_lookup_failed", "error", err)
		}
		return nil, ErrUnauthenticated
	}
	if u.SessionToken == nil || u.ActiveSessionID == nil {
		return nil, ErrUnauthenticated
	}
	tokOK := subtle.ConstantTimeCompare([]byte(*u.SessionToken), []byte(c.SessionToken))
	sidOK := subtle.ConstantTimeCompare([]byte(*u.ActiveSessionID), []byte(c.SessionID))
	if tokOK&sidOK != 1 {
		return nil, ErrUnauthenticated
	}
	return u, nil
}

func (s *Service) SignOut(ctx context.Context, userID string) error {
	if err := s.Store.ClearSession(ctx, userID, s.now()); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.Audit.Log(ctx, audit.EventSignOut, map[string]any{"user_id": userID})
	s.emit(ctx, events.New(events.TypeUserSignedOut, userID, nil))
	return nil
}

// BeaconSignOut ends the session on tab close and tears down a running
// deployment. Undeploy failures are logged and otherwise ignored.
func (s *Service) BeaconSignOut(ctx context.Context, c Credentials) error {
	l := logging.FromContext(ctx).With("svc", "session.beacon")
	u, err := s.Authenticate(ctx, c)
	if err != nil {
		return err
	}
	if err := s.Store.ClearSession(ctx, u.ID, s.now()); err != nil {
		l.Error("beacon_clear_session_failed", "user_id", u.ID, "error", err)
	}

	if s.Deployments != nil {
		s.Deployments.Reset(u.ID)
	}
	if u.Deployed() {
		if s.Gradio != nil {
			if _, err := s.Gradio.Undeploy(ctx, s.logical(u.Username)); err != nil {
				l.Warn("beacon_undeploy_failed", "user_id", u.ID, "error", err)
			}
		}
		if err := s.Store.ClearDeployment(ctx, u.ID); err != nil {
			l.Warn("beacon_clear_deployment_failed", "user_id", u.ID, "error", err)
		}
	}

	s.Audit.Log(ctx, audit.EventBeaconSignOut, map[string]any{"user_id": u.ID, "undeployed": u.Deployed()})
	s.emit(ctx, events.New(events.TypeUserSignedOut, u.ID, map[string]any{"beacon": true}))
	return nil
}

func (s *Service) Details(ctx context.Context, userID string) (Details, error) {
	u, err := s.Store.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Details{}, ErrUnauthenticated
		}
		return Details{}, err
	}
	out := Details{Username: u.Username}
	t, err := s.Tokens.CurrentToken(ctx, u)
	switch {
	case err == nil:
		exp := t.ExpiresAt
		out.TokenExpiresAt = &exp
	case !errors.Is(err, invite.ErrNotFound):
		return Details{}, err
	}
	return out, nil
}
