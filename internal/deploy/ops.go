package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Skotchmaster/kicklock/internal/github"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

var errTerminal = errors.New("run reached a terminal status")

// every calls fn immediately and then once per interval until fn reports
// done or ctx ends.
func every(ctx context.Context, interval time.Duration, fn func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := fn(ctx)
		if done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Machine) upstreamError(service string) {
	if m.o.metrics != nil {
		m.o.metrics.UpstreamErrors.WithLabelValues(service).Inc()
	}
}

func (m *Machine) runCheck(ctx context.Context, id uint64) {
	l := logging.FromContext(ctx)
	run, err := m.o.workflows.LatestRunFor(ctx, github.JobName(m.Logical))
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, github.ErrNotFound):
		m.transition(ctx, id, StateNotDeployed, func(s *Snapshot) {
			s.Message = ""
			s.RunID = 0
			s.RunURL = ""
		})
	case err != nil:
		m.upstreamError("github")
		l.Warn("deploy_check_failed", "error", err)
		m.fail(ctx, id, "Could not read deployment status: "+err.Error())
	case run.Active():
		m.transition(ctx, id, StateDeployed, func(s *Snapshot) {
			s.RunID = run.ID
			s.RunURL = run.HTMLURL
			s.Conclusion = ""
			s.Message = ""
		})
	default:
		m.transition(ctx, id, StateNotDeployed, func(s *Snapshot) {
			s.RunID = run.ID
			s.RunURL = run.HTMLURL
			s.Conclusion = run.ConclusionOr("")
			s.Message = ""
		})
	}
}

func (m *Machine) runDeploy(ctx context.Context, id uint64, formNumber int) {
	o, t := m.o, m.o.timings
	l := logging.FromContext(ctx)

	if err := o.workflows.Dispatch(ctx, m.Logical); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.upstreamError("github")
		l.Warn("deploy_dispatch_failed", "error", err)
		m.fail(ctx, id, "Workflow dispatch failed: "+err.Error())
		return
	}

	// The settle wait stays in Dispatching so LocatingRun only covers the lookup.
	if !sleep(ctx, t.SettleDelay) {
		return
	}
	if !m.transition(ctx, id, StateLocatingRun, func(s *Snapshot) { s.Message = "Waiting for the workflow run" }) {
		return
	}
	run, err := m.locate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.Warn("deploy_locate_failed", "error", err)
		m.fail(ctx, id, "Workflow run did not start in time")
		return
	}

	if !m.transition(ctx, id, StatePolling, func(s *Snapshot) {
		s.RunID = run.ID
		s.RunURL = run.HTMLURL
		s.Message = "Waiting for the workflow run to start"
	}) {
		return
	}
	run, err = m.pollStarted(ctx, run.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.Warn("deploy_poll_failed", "error", err)
		msg := "Workflow run did not reach in_progress in time"
		conclusion := ""
		if run != nil {
			conclusion = run.ConclusionOr(run.Status)
			msg = "Workflow run ended with " + conclusion
		}
		m.transition(ctx, id, StateRedeployRequired, func(s *Snapshot) {
			s.RedeployRequired = true
			s.Conclusion = conclusion
			s.Message = msg
		})
		return
	}

	now := o.now().UTC()
	closes := now.Add(t.PopupCountdown)
	msg := ""
	if o.records != nil {
		if err := o.records.SetDeployment(ctx, m.UserID, formNumber, run.ID, now); err != nil {
			l.Error("deployment_record_write_failed", "error", err)
			msg = "Deployed, but the deployment record could not be saved"
		}
	}
	m.transition(ctx, id, StateDeployed, func(s *Snapshot) {
		s.RunID = run.ID
		s.RunURL = run.HTMLURL
		s.FormNumber = formNumber
		s.DeployedAt = &now
		s.PopupClosesAt = &closes
		s.RedeployRequired = false
		s.Stale = false
		s.Message = msg
	})
}

// locate waits for an active run with the user's job name, bounded by the
// locate timeout.
func (m *Machine) locate(ctx context.Context) (*github.Run, error) {
	t := m.o.timings
	defer m.o.polling("locate")()
	lctx, cancel := context.WithTimeout(ctx, t.LocateTimeout)
	defer cancel()

	job := github.JobName(m.Logical)
	var found *github.Run
	err := every(lctx, t.LocateInterval, func(ctx context.Context) (bool, error) {
		run, err := m.o.workflows.FindActiveRun(ctx, job)
		switch {
		case err == nil:
			found = run
			return true, nil
		case !errors.Is(err, github.ErrNotFound) && ctx.Err() == nil:
			m.upstreamError("github")
			logging.FromContext(ctx).Warn("deploy_locate_retry", "error", err)
		}
		return false, nil
	})
	return found, err
}

// pollStarted waits for the run to reach in_progress. A completed run ends
// the wait with errTerminal and the last observed run.
func (m *Machine) pollStarted(ctx context.Context, runID int64) (*github.Run, error) {
	t := m.o.timings
	defer m.o.polling("poll")()
	pctx, cancel := context.WithTimeout(ctx, t.PollTimeout)
	defer cancel()

	var last *github.Run
	err := every(pctx, t.PollInterval, func(ctx context.Context) (bool, error) {
		run, err := m.o.workflows.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() == nil {
				m.upstreamError("github")
				logging.FromContext(ctx).Warn("deploy_poll_retry", "run_id", runID, "error", err)
			}
			return false, nil
		}
		switch run.Status {
		case github.StatusInProgress:
			last = run
			return true, nil
		case github.StatusCompleted:
			last = run
			return true, errTerminal
		}
		return false, nil
	})
	if errors.Is(err, errTerminal) {
		return last, err
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (m *Machine) runUndeploy(ctx context.Context, id uint64) {
	o, t := m.o, m.o.timings
	l := logging.FromContext(ctx)

	if o.records != nil {
		if err := o.records.ClearDeployment(ctx, m.UserID); err != nil {
			l.Warn("deployment_record_clear_failed", "error", err)
		}
	}

	run, err := o.workflows.FindActiveRun(ctx, github.JobName(m.Logical))
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, github.ErrNotFound):
		m.transition(ctx, id, StateNotDeployed, func(s *Snapshot) {
			s.Forms = initialForms()
			s.RedeployRequired = false
			s.Stale = false
			s.Message = "No active workflow run"
		})
		return
	case err != nil:
		m.upstreamError("github")
		l.Warn("undeploy_locate_failed", "error", err)
		m.fail(ctx, id, "Could not find the workflow run: "+err.Error())
		return
	}

	status, err := o.workflows.CancelRun(ctx, run.ID)
	if err != nil || status != http.StatusAccepted {
		if ctx.Err() != nil {
			return
		}
		m.upstreamError("github")
		l.Warn("undeploy_cancel_rejected", "run_id", run.ID, "status", status, "error", err)
		m.fail(ctx, id, fmt.Sprintf("Cancellation was rejected (status %d)", status))
		return
	}

	final, err := m.pollCancelled(ctx, run.ID)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		l.Warn("undeploy_poll_timeout", "run_id", run.ID, "error", err)
		m.fail(ctx, id, "Run did not finish cancelling in time")
	case final.ConclusionOr("") == github.ConclusionCancelled:
		m.transition(ctx, id, StateNotDeployed, func(s *Snapshot) {
			s.Forms = initialForms()
			s.Conclusion = github.ConclusionCancelled
			s.RedeployRequired = false
			s.Stale = false
			s.PopupClosesAt = nil
			s.DeployedAt = nil
			s.Message = ""
		})
	default:
		conclusion := final.ConclusionOr("unknown")
		m.transition(ctx, id, StateDeployed, func(s *Snapshot) {
			s.Conclusion = conclusion
			s.Stale = true
			s.RedeployRequired = true
			s.Message = "Run finished with " + conclusion
		})
	}
}

func (m *Machine) pollCancelled(ctx context.Context, runID int64) (*github.Run, error) {
	t := m.o.timings
	defer m.o.polling("undeploy")()
	pctx, cancel := context.WithTimeout(ctx, t.UndeployTimeout)
	defer cancel()

	var final *github.Run
	err := every(pctx, t.UndeployInterval, func(ctx context.Context) (bool, error) {
		run, err := m.o.workflows.GetRun(ctx, runID)
		if err != nil {
			if ctx.Err() == nil {
				m.upstreamError("github")
				logging.FromContext(ctx).Warn("undeploy_poll_retry", "run_id", runID, "error", err)
			}
			return false, nil
		}
		if run.Status == github.StatusCompleted {
			final = run
			return true, nil
		}
		return false, nil
	})
	return final, err
}
