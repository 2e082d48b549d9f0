package httpserver

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/internal/deploy"
	"github.com/Skotchmaster/kicklock/internal/session"
	"github.com/Skotchmaster/kicklock/internal/transport"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

type DeployHTTP struct {
	Orch *deploy.Orchestrator
}

func (h *DeployHTTP) State(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "deploy.state")

	refresh, _ := strconv.ParseBool(c.QueryParam("refresh"))
	snap, err := h.Orch.Snapshot(ctx, session.UserID(c), session.Username(c), refresh)
	if err != nil {
		return fail(l, "deploy_state_failed", err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *DeployHTTP) Start(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "deploy.start")

	var req transport.DeployRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("deploy_start_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		return fail(l, "deploy_start_failed", err)
	}

	snap, err := h.Orch.Deploy(ctx, session.UserID(c), session.Username(c), req.FormNumber)
	if err != nil {
		return fail(l, "deploy_start_failed", err)
	}
	return c.JSON(http.StatusAccepted, snap)
}

func (h *DeployHTTP) Stop(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "deploy.stop")

	snap, err := h.Orch.Undeploy(ctx, session.UserID(c), session.Username(c))
	if err != nil {
		return fail(l, "deploy_stop_failed", err)
	}
	return c.JSON(http.StatusAccepted, snap)
}

func (h *DeployHTTP) Acknowledge(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Orch.Acknowledge(session.UserID(c), session.Username(c)))
}

// LocalAction relays a control-form action to the caller's own tunnel and
// returns the tunnel's answer unchanged.
func (h *DeployHTTP) LocalAction(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "deploy.local_action")

	var req transport.LocalActionRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("local_action_failed", "status", 400, "reason", "invalid body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	if err := c.Validate(&req); err != nil {
		return fail(l, "local_action_failed", err)
	}
	username := session.Username(c)
	if req.LogicalUsername != "" && req.LogicalUsername != h.Orch.Logical(username) {
		l.Warn("local_action_failed", "status", 403, "reason", "foreign logical username", "logical", req.LogicalUsername)
		return echo.NewHTTPError(http.StatusForbidden, "Forbidden")
	}

	out, _, err := h.Orch.Action(ctx, session.UserID(c), username, deploy.Action(req.Action), req.FormNumber, req.FormData)
	if err != nil {
		return fail(l, "local_action_failed", err)
	}
	return c.JSONBlob(http.StatusOK, out)
}
