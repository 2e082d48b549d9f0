package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/internal/invite"
	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/internal/session"
	"github.com/Skotchmaster/kicklock/internal/transport"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

const beaconBodyLimit = 4 << 10

type AuthHTTP struct {
	Svc     *session.Service
	MW      *session.Middleware
	Invites *invite.Service
}

type tokenResponse struct {
	Token     string               `json:"token"`
	Duration  models.TokenDuration `json:"duration"`
	ExpiresAt time.Time            `json:"expiresAt"`
	Message   string               `json:"message,omitempty"`
}

func newTokenResponse(t *models.Token) tokenResponse {
	return tokenResponse{Token: t.Token, Duration: t.Duration, ExpiresAt: t.ExpiresAt}
}

func (h *AuthHTTP) SignIn(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.signin")

	var req transport.SignInRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("signin_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		l.Warn("signin_failed", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "Username and password are required")
	}

	res, err := h.Svc.SignIn(ctx, req.Username, req.Password)
	if err != nil {
		return fail(l, "signin_failed", err)
	}
	if err := h.MW.Issue(c, res); err != nil {
		l.Error("signin_failed", "status", 500, "reason", "cannot sign cookie", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
	}

	l.Info("signin_successful", "user_id", res.UserID)
	return c.JSON(http.StatusOK, res)
}

func (h *AuthHTTP) SignUp(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.signup")

	var req session.SignUpInput
	if err := c.Bind(&req); err != nil {
		l.Warn("signup_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}

	u, err := h.Svc.SignUp(ctx, req)
	switch {
	case errors.Is(err, invite.ErrPartialFailure) && u != nil:
		l.Error("signup_partial", "status", 207, "user_id", u.ID, "error", err)
		return c.JSON(http.StatusMultiStatus, echo.Map{
			"userId":   u.ID,
			"username": u.Username,
			"message":  "Account created, token activation is pending",
		})
	case errors.Is(err, invite.ErrNotFound):
		l.Warn("signup_failed", "status", 400, "reason", "unknown token", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid token")
	case err != nil:
		return fail(l, "signup_failed", err)
	}

	l.Info("signup_successful", "user_id", u.ID)
	return c.JSON(http.StatusCreated, echo.Map{"userId": u.ID, "username": u.Username})
}

func (h *AuthHTTP) SignOut(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.signout")

	if err := h.Svc.SignOut(ctx, session.UserID(c)); err != nil {
		return fail(l, "signout_failed", err)
	}
	h.MW.Clear(c)

	l.Info("signout_successful")
	return c.JSON(http.StatusOK, echo.Map{"message": "Signed out"})
}

// Beacon handles navigator.sendBeacon on tab close. The browser cannot set
// headers there, so credentials may also arrive in the body. The answer is
// always 200.
func (h *AuthHTTP) Beacon(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.beacon")

	creds, ok := h.MW.Credentials(c)
	if !ok {
		creds, ok = beaconBody(c.Request().Body)
	}
	if !ok {
		l.Debug("beacon_ignored", "reason", "no credentials")
		return c.JSON(http.StatusOK, echo.Map{"success": false})
	}

	if err := h.Svc.BeaconSignOut(ctx, creds); err != nil {
		l.Warn("beacon_signout_failed", "user_id", creds.UserID, "error", err)
		return c.JSON(http.StatusOK, echo.Map{"success": false})
	}
	h.MW.Clear(c)
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// beaconBody accepts the credentials as JSON, whatever content type the
// beacon was sent with.
func beaconBody(r io.Reader) (session.Credentials, bool) {
	var creds session.Credentials
	if r == nil {
		return creds, false
	}
	raw, err := io.ReadAll(io.LimitReader(r, beaconBodyLimit))
	if err != nil || len(raw) == 0 {
		return creds, false
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return creds, false
	}
	return creds, creds.UserID != "" && creds.SessionID != "" && creds.SessionToken != ""
}

func (h *AuthHTTP) SessionDetails(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.session_details")

	d, err := h.Svc.Details(ctx, session.UserID(c))
	if err != nil {
		return fail(l, "session_details_failed", err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *AuthHTTP) RenewToken(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth.renew_token")

	var req transport.RenewTokenRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("renew_token_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		return fail(l, "renew_token_failed", err)
	}
	return renewed(c, l, h.Invites, session.UserID(c), req.Duration)
}

// renewed answers 201 with the new token, or 207 when the token exists but
// the user row still points at the old one.
func renewed(c echo.Context, l *slog.Logger, invites *invite.Service, userID string, d models.TokenDuration) error {
	t, err := invites.Renew(c.Request().Context(), userID, d)
	if errors.Is(err, invite.ErrPartialFailure) && t != nil {
		l.Error("renew_token_partial", "status", 207, "user_id", userID, "error", err)
		resp := newTokenResponse(t)
		resp.Message = "Token created, account update is pending"
		return c.JSON(http.StatusMultiStatus, resp)
	}
	if err != nil {
		return fail(l, "renew_token_failed", err)
	}
	l.Info("renew_token_successful", "user_id", userID)
	return c.JSON(http.StatusCreated, newTokenResponse(t))
}
