package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Skotchmaster/kicklock/internal/audit"
	"github.com/Skotchmaster/kicklock/internal/events"
	"github.com/Skotchmaster/kicklock/internal/github"
	"github.com/Skotchmaster/kicklock/pkg/logging"
	"github.com/Skotchmaster/kicklock/pkg/metrics"
)

const DefaultLogicalSuffix = "-galaxy"

var (
	ErrValidation      = errors.New("validation failed")
	ErrAckRequired     = errors.New("auto-undeploy notice must be acknowledged first")
	ErrAlreadyDeployed = errors.New("already deployed")
	ErrClosed          = errors.New("orchestrator closed")
)

// Workflows is the subset of the workflow API the state machine drives.
type Workflows interface {
	Dispatch(ctx context.Context, logical string) error
	FindActiveRun(ctx context.Context, jobName string) (*github.Run, error)
	LatestRunFor(ctx context.Context, jobName string) (*github.Run, error)
	GetRun(ctx context.Context, id int64) (*github.Run, error)
	CancelRun(ctx context.Context, id int64) (int, error)
}

type Tunnel interface {
	Send(ctx context.Context, logical string, payload map[string]any) (json.RawMessage, error)
}

// Records persists the per-user deployment record.
type Records interface {
	SetDeployment(ctx context.Context, userID string, formNumber int, runID int64, at time.Time) error
	ClearDeployment(ctx context.Context, userID string) error
}

type Options struct {
	Workflows     Workflows
	Tunnel        Tunnel
	Records       Records
	Events        events.Publisher
	Audit         *audit.Logger
	Metrics       *metrics.Metrics
	Timings       Timings
	LogicalSuffix string
	Now           func() time.Time
}

// Orchestrator owns one Machine per user. Machines live for the process
// lifetime; background operations run under the orchestrator's context so
// they outlive the request that started them.
type Orchestrator struct {
	workflows Workflows
	tunnel    Tunnel
	records   Records
	events    events.Publisher
	audit     *audit.Logger
	metrics   *metrics.Metrics
	timings   Timings
	suffix    string
	now       func() time.Time

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.RWMutex
	states map[string]*Machine
	closed bool
}

func New(ctx context.Context, opts Options) *Orchestrator {
	base, stop := context.WithCancel(context.WithoutCancel(ctx))
	o := &Orchestrator{
		workflows: opts.Workflows,
		tunnel:    opts.Tunnel,
		records:   opts.Records,
		events:    opts.Events,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		timings:   opts.Timings.withDefaults(),
		suffix:    opts.LogicalSuffix,
		now:       opts.Now,
		base:      base,
		stop:      stop,
		states:    make(map[string]*Machine),
	}
	if o.suffix == "" {
		o.suffix = DefaultLogicalSuffix
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.events == nil {
		o.events = events.Nop{}
	}
	return o
}

func (o *Orchestrator) Logical(username string) string {
	return username + o.suffix
}

func (o *Orchestrator) Timings() Timings { return o.timings }

// Machine returns the user's machine, creating it on first use.
func (o *Orchestrator) Machine(userID, username string) *Machine {
	o.mutex.RLock()
	m, ok := o.states[userID]
	o.mutex.RUnlock()
	if ok {
		return m
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()
	if m, ok := o.states[userID]; ok {
		return m
	}
	m = newMachine(o, userID, o.Logical(username))
	o.states[userID] = m
	return m
}

func (o *Orchestrator) lookup(userID string) (*Machine, bool) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	m, ok := o.states[userID]
	return m, ok
}

// Snapshot returns the user's state, running a check first when the state is
// still unknown or refresh is requested while idle.
func (o *Orchestrator) Snapshot(ctx context.Context, userID, username string, refresh bool) (Snapshot, error) {
	m := o.Machine(userID, username)
	snap := m.Snapshot()
	if snap.State != StateUnknown && !(refresh && !snap.State.Busy()) {
		return snap, nil
	}
	done, err := m.start(OpCheck, StateChecking, func(s *Snapshot) { s.Message = "" }, m.runCheck)
	if err != nil {
		return m.Snapshot(), err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}
	return m.Snapshot(), nil
}

// Deploy starts the dispatch, locate and poll sequence in the background and
// returns the snapshot in Dispatching.
func (o *Orchestrator) Deploy(ctx context.Context, userID, username string, formNumber int) (Snapshot, error) {
	if !ValidFormNumber(formNumber) {
		return Snapshot{}, ErrValidation
	}
	m := o.Machine(userID, username)
	snap := m.Snapshot()
	if snap.AutoUndeployed {
		return snap, ErrAckRequired
	}
	if snap.State == StateDeployed && !snap.Stale && !snap.RedeployRequired {
		return snap, ErrAlreadyDeployed
	}
	logging.FromContext(ctx).Info("deploy_requested", "user_id", userID, "form", formNumber)
	_, err := m.start(OpDeploy, StateDispatching, func(s *Snapshot) {
		s.Message = "Dispatching workflow"
		s.FormNumber = formNumber
		s.RedeployRequired = false
		s.Stale = false
		s.Conclusion = ""
		s.RunID = 0
		s.RunURL = ""
		s.PopupClosesAt = nil
		s.DeployedAt = nil
	}, func(ctx context.Context, id uint64) { m.runDeploy(ctx, id, formNumber) })
	return m.Snapshot(), err
}

func (o *Orchestrator) Undeploy(ctx context.Context, userID, username string) (Snapshot, error) {
	m := o.Machine(userID, username)
	logging.FromContext(ctx).Info("undeploy_requested", "user_id", userID)
	_, err := m.start(OpUndeploy, StateUndeploying, func(s *Snapshot) {
		s.Message = "Cancelling workflow run"
		s.PopupClosesAt = nil
	}, m.runUndeploy)
	return m.Snapshot(), err
}

// Acknowledge clears the auto-undeploy notice so a new deploy is accepted.
func (o *Orchestrator) Acknowledge(userID, username string) Snapshot {
	m := o.Machine(userID, username)
	m.update(0, func(s *Snapshot) {
		s.AutoUndeployed = false
		s.Message = ""
	})
	return m.Snapshot()
}

// Reset stops any running operation and forgets the user's state. Used on
// sign-out and tab close, when the workload is torn down out of band.
func (o *Orchestrator) Reset(userID string) {
	m, ok := o.lookup(userID)
	if !ok {
		return
	}
	m.reset()

	o.mutex.Lock()
	if o.states[userID] == m {
		delete(o.states, userID)
	}
	o.mutex.Unlock()
}

// Action relays one control-form action to the user's tunnel.
func (o *Orchestrator) Action(ctx context.Context, userID, username string, action Action, formNumber int, fields map[string]any) (json.RawMessage, Snapshot, error) {
	payload, err := ActionPayload(action, formNumber, fields)
	if err != nil {
		return nil, Snapshot{}, err
	}
	m := o.Machine(userID, username)
	if m.Snapshot().AutoUndeployed {
		return nil, m.Snapshot(), ErrAckRequired
	}
	out, err := m.relay(ctx, action, formNumber, payload)
	return out, m.Snapshot(), err
}

// Ongoing lists snapshots of users with a running operation.
func (o *Orchestrator) Ongoing() map[string]Snapshot {
	o.mutex.RLock()
	machines := make([]*Machine, 0, len(o.states))
	for _, m := range o.states {
		machines = append(machines, m)
	}
	o.mutex.RUnlock()

	out := make(map[string]Snapshot)
	for _, m := range machines {
		if s := m.Snapshot(); s.State.Busy() {
			out[m.UserID] = s
		}
	}
	return out
}

func (o *Orchestrator) Users() []string {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	ids := make([]string, 0, len(o.states))
	for id := range o.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels every running operation and waits for the loops to exit.
func (o *Orchestrator) Close() {
	o.mutex.Lock()
	o.closed = true
	o.mutex.Unlock()
	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.closed
}

func (o *Orchestrator) transitioned(ctx context.Context, userID string, from, to State, snap Snapshot) {
	if o.metrics != nil {
		o.metrics.DeployTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	ev := events.New(events.TypeDeployStateChanged, userID, map[string]any{
		"from":     string(from),
		"to":       string(to),
		"snapshot": snap,
	})
	if err := o.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logging.FromContext(ctx).Warn("deploy_event_failed", "user_id", userID, "error", err)
	}
}

func (o *Orchestrator) polling(op string) func() {
	if o.metrics == nil {
		return func() {}
	}
	g := o.metrics.ActivePolls.WithLabelValues(op)
	g.Inc()
	return g.Dec
}
