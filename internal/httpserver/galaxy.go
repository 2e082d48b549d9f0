package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/internal/deploy"
	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/internal/repo"
	"github.com/Skotchmaster/kicklock/internal/transport"
	"github.com/Skotchmaster/kicklock/pkg/cryptobox"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

// Compute is the hosted deploy/status/undeploy service.
type Compute interface {
	Deploy(ctx context.Context, modalName string) (json.RawMessage, error)
	Undeploy(ctx context.Context, modalName string) (json.RawMessage, error)
	Status(ctx context.Context, modalName string) (bool, error)
}

type UserLookup interface {
	UserByUsername(ctx context.Context, username string) (*models.User, error)
}

// GalaxyHTTP serves the server-to-server endpoints guarded by the internal
// API key. Form actions go through the user's deployment machine so a
// tunnel auto-undeploy is recorded the same way as for browser actions.
type GalaxyHTTP struct {
	Compute Compute
	Users   UserLookup
	Orch    *deploy.Orchestrator
	Box     *cryptobox.Box
}

func bindModal(c echo.Context) (transport.ModalRequest, error) {
	var req transport.ModalRequest
	if err := c.Bind(&req); err != nil {
		return req, errBadRequest
	}
	return req, c.Validate(&req)
}

func (h *GalaxyHTTP) Deploy(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "galaxy.deploy")

	req, err := bindModal(c)
	if err != nil {
		return fail(l, "galaxy_deploy_failed", err)
	}
	if _, err := h.Compute.Deploy(ctx, req.ModalName); err != nil {
		return fail(l, "galaxy_deploy_failed", err)
	}
	l.Info("galaxy_deploy_successful", "modal_name", req.ModalName)
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (h *GalaxyHTTP) Undeploy(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "galaxy.undeploy")

	req, err := bindModal(c)
	if err != nil {
		return fail(l, "galaxy_undeploy_failed", err)
	}
	data, err := h.Compute.Undeploy(ctx, req.ModalName)
	if err != nil {
		return fail(l, "galaxy_undeploy_failed", err)
	}
	l.Info("galaxy_undeploy_successful", "modal_name", req.ModalName)
	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": data})
}

func (h *GalaxyHTTP) Status(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "galaxy.status")

	req, err := bindModal(c)
	if err != nil {
		return fail(l, "galaxy_status_failed", err)
	}
	deployed, err := h.Compute.Status(ctx, req.ModalName)
	if err != nil {
		return fail(l, "galaxy_status_failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "deployed": deployed})
}

// Actions decrypts the form payload and relays it to the named user's
// tunnel through the orchestrator.
func (h *GalaxyHTTP) Actions(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "galaxy.actions")

	var req transport.ActionRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("galaxy_action_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		return fail(l, "galaxy_action_failed", err)
	}
	if h.Box == nil {
		l.Error("galaxy_action_failed", "status", 500, "reason", "payload key not configured")
		return echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
	}

	plain, err := h.Box.DecryptString(req.Data)
	if err != nil {
		l.Warn("galaxy_action_failed", "status", 400, "reason", "cannot decrypt payload", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(plain), &fields); err != nil {
		l.Warn("galaxy_action_failed", "status", 400, "reason", "payload is not a json object", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}

	u, err := h.Users.UserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.Warn("galaxy_action_failed", "status", 400, "reason", "unknown user", "username", req.Username)
			return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
		}
		return fail(l, "galaxy_action_failed", err)
	}
	if _, _, err := h.Orch.Action(ctx, u.ID, u.Username, deploy.Action(req.Action), req.FormNumber, fields); err != nil {
		return fail(l, "galaxy_action_failed", err)
	}
	l.Info("galaxy_action_relayed", "action", req.Action, "form", req.FormNumber, "username", req.Username)
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}
