package httpserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/internal/github"
	"github.com/Skotchmaster/kicklock/internal/session"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

type Runs interface {
	ListRuns(ctx context.Context, status string) ([]github.Run, error)
	GetRun(ctx context.Context, id int64) (*github.Run, error)
	ListJobs(ctx context.Context, runID int64) ([]github.Job, error)
	CancelRun(ctx context.Context, id int64) (int, error)
	Matches(ctx context.Context, run github.Run, jobName string) (bool, error)
	LatestRunFor(ctx context.Context, jobName string) (*github.Run, error)
}

// GitHTTP proxies the workflow API for signed-in users. Every answer is
// narrowed to runs carrying the caller's own job name.
type GitHTTP struct {
	GitHub        Runs
	LogicalSuffix string
}

func (h *GitHTTP) jobName(c echo.Context) string {
	return github.JobName(session.Username(c) + h.LogicalSuffix)
}

// ownRun fetches the run and hides it unless it belongs to the caller.
func (h *GitHTTP) ownRun(c echo.Context, raw string) (*github.Run, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, errBadRequest
	}
	ctx := c.Request().Context()
	run, err := h.GitHub.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := h.GitHub.Matches(ctx, *run, h.jobName(c))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, github.ErrNotFound
	}
	return run, nil
}

func (h *GitHTTP) Runs(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "git.runs")

	if raw := c.QueryParam("runId"); raw != "" {
		run, err := h.ownRun(c, raw)
		if err != nil {
			return fail(l, "git_run_failed", err)
		}
		return c.JSON(http.StatusOK, run)
	}

	if raw := c.QueryParam("jobsForRunId"); raw != "" {
		run, err := h.ownRun(c, raw)
		if err != nil {
			return fail(l, "git_jobs_failed", err)
		}
		jobs, err := h.GitHub.ListJobs(ctx, run.ID)
		if err != nil {
			return fail(l, "git_jobs_failed", err)
		}
		if jobs == nil {
			jobs = []github.Job{}
		}
		return c.JSON(http.StatusOK, echo.Map{"jobs": jobs})
	}

	status := c.QueryParam("status")
	switch status {
	case "", github.StatusQueued, github.StatusInProgress, github.StatusCompleted:
	default:
		l.Warn("git_runs_failed", "status", 400, "reason", "unknown run status", "run_status", status)
		return echo.NewHTTPError(http.StatusBadRequest, msgInvalidRequest)
	}
	runs, err := h.GitHub.ListRuns(ctx, status)
	if err != nil {
		return fail(l, "git_runs_failed", err)
	}
	job := h.jobName(c)
	own := []github.Run{}
	for _, run := range runs {
		ok, err := h.GitHub.Matches(ctx, run, job)
		if err != nil {
			return fail(l, "git_runs_failed", err)
		}
		if ok {
			own = append(own, run)
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"workflow_runs": own})
}

func (h *GitHTTP) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "git.cancel")

	run, err := h.ownRun(c, c.QueryParam("cancelRunId"))
	if err != nil {
		return fail(l, "git_cancel_failed", err)
	}
	code, err := h.GitHub.CancelRun(ctx, run.ID)
	if err != nil {
		return fail(l, "git_cancel_failed", err)
	}
	l.Info("git_cancel_requested", "run_id", run.ID, "upstream_status", code)
	return c.JSON(http.StatusOK, echo.Map{"success": code == http.StatusAccepted, "status": code})
}

// LatestUserRun returns the newest run for the caller's logical name. Asking
// for another user's name is refused.
func (h *GitHTTP) LatestUserRun(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "git.latest_user_run")

	logical := session.Username(c) + h.LogicalSuffix
	if q := c.QueryParam("logicalUsername"); q != "" && q != logical {
		l.Warn("git_latest_run_failed", "status", 403, "reason", "foreign logical username", "logical", q)
		return echo.NewHTTPError(http.StatusForbidden, "Forbidden")
	}
	run, err := h.GitHub.LatestRunFor(ctx, github.JobName(logical))
	if err != nil {
		return fail(l, "git_latest_run_failed", err)
	}
	return c.JSON(http.StatusOK, run)
}
