package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/internal/admin"
	"github.com/Skotchmaster/kicklock/internal/audit"
	"github.com/Skotchmaster/kicklock/internal/invite"
	"github.com/Skotchmaster/kicklock/internal/transport"
	"github.com/Skotchmaster/kicklock/pkg/logging"
	"github.com/Skotchmaster/kicklock/pkg/util"
)

type AdminHTTP struct {
	Svc     *admin.Service
	Invites *invite.Service
	Audit   *audit.Logger
}

func (h *AdminHTTP) SignIn(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.signin")

	var req transport.AdminSignInRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("admin_signin_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		return fail(l, "admin_signin_failed", err)
	}

	sess, err := h.Svc.SignIn(ctx, req.Username, req.Password, req.Code)
	if err != nil {
		return fail(l, "admin_signin_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"adminId":   sess.AdminID,
		"username":  sess.Username,
		"sessionId": sess.ID,
		"expiresAt": sess.ExpiresAt,
	})
}

func (h *AdminHTTP) SignOut(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.signout")

	if err := h.Svc.SignOut(ctx, admin.SessionFrom(c)); err != nil {
		return fail(l, "admin_signout_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Signed out"})
}

func (h *AdminHTTP) GenerateToken(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.generate_token")

	var req transport.GenerateTokenRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("generate_token_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		return fail(l, "generate_token_failed", err)
	}

	t, err := h.Invites.Generate(ctx, req.Duration)
	if err != nil {
		return fail(l, "generate_token_failed", err)
	}
	l.Info("generate_token_successful", "token_id", t.ID)
	return c.JSON(http.StatusCreated, t)
}

func (h *AdminHTTP) DeleteToken(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.delete_token")

	if err := h.Invites.Delete(ctx, c.Param("id")); err != nil {
		return fail(l, "delete_token_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (h *AdminHTTP) TokenHistory(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.token_history")

	page, size := util.PageParams(c.QueryParam("page"), c.QueryParam("size"))
	res, err := h.Invites.History(ctx, page, size)
	if err != nil {
		return fail(l, "token_history_failed", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *AdminHTTP) RenewToken(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.renew_token")

	var req transport.AdminRenewRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("renew_token_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		return fail(l, "renew_token_failed", err)
	}
	return renewed(c, l, h.Invites, req.UserID, req.Duration)
}

func (h *AdminHTTP) Users(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.users")

	rows, err := h.Svc.Users(ctx)
	if err != nil {
		return fail(l, "list_users_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"users": rows})
}

func (h *AdminHTTP) DeleteUser(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.delete_user")

	return deleted(c, l, h.Invites.DeleteUser(ctx, c.Param("id")))
}

func (h *AdminHTTP) ConfirmDelete(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.confirm_delete")

	var req transport.ConfirmDeleteRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("confirm_delete_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		return fail(l, "confirm_delete_failed", err)
	}
	return deleted(c, l, h.Svc.ConfirmDelete(ctx, c.Param("id"), req.Target))
}

// deleted answers 207 when the user row is gone but its token survived.
func deleted(c echo.Context, l *slog.Logger, err error) error {
	switch {
	case errors.Is(err, invite.ErrPartialFailure):
		l.Error("delete_partial", "status", 207, "error", err)
		return c.JSON(http.StatusMultiStatus, echo.Map{
			"success": false,
			"message": "User deleted, token removal is pending",
		})
	case err != nil:
		return fail(l, "delete_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (h *AdminHTTP) SecurityLogs(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.security_logs")

	page, size := util.PageParams(c.QueryParam("page"), c.QueryParam("size"))
	res, err := h.Audit.Search(ctx, c.QueryParam("q"), page, size)
	if err != nil {
		return fail(l, "security_logs_failed", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *AdminHTTP) Reconcile(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "admin.reconcile")

	rep, err := h.Invites.Reconcile(ctx)
	if err != nil {
		return fail(l, "reconcile_failed", err)
	}
	return c.JSON(http.StatusOK, rep)
}
