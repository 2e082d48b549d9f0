package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/Skotchmaster/kicklock/internal/audit"
	"github.com/Skotchmaster/kicklock/internal/tunnel"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

// Machine is one user's deployment state. At most one operation runs at a
// time: starting a new one cancels the previous operation and waits for its
// loop to exit.
type Machine struct {
	UserID  string
	Logical string

	o *Orchestrator

	// opMu serializes operation handover; mu guards the fields below.
	opMu   sync.Mutex
	mu     sync.Mutex
	snap   Snapshot
	opID   uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func newMachine(o *Orchestrator, userID, logical string) *Machine {
	return &Machine{
		UserID:  userID,
		Logical: logical,
		o:       o,
		snap: Snapshot{
			State:     StateUnknown,
			Forms:     initialForms(),
			UpdatedAt: o.now().UTC(),
		},
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

// halt cancels the running operation and blocks until it has returned.
// Callers hold opMu.
func (m *Machine) halt() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.opID++
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// start replaces the current operation with fn. The initial state is applied
// before start returns so callers observe it immediately.
func (m *Machine) start(op string, initial State, prepare func(*Snapshot), fn func(ctx context.Context, id uint64)) (<-chan struct{}, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.o.isClosed() {
		return nil, ErrClosed
	}
	m.halt()

	ctx, cancel := context.WithCancel(m.o.base)
	ctx = logging.IntoContext(ctx, logging.FromContext(m.o.base).With("user_id", m.UserID, "operation", op))
	done := make(chan struct{})

	m.mu.Lock()
	id := m.opID
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	m.transition(ctx, id, initial, func(s *Snapshot) {
		s.Operation = op
		if prepare != nil {
			prepare(s)
		}
	})

	m.o.wg.Add(1)
	go func() {
		defer m.o.wg.Done()
		defer close(done)
		defer cancel()
		fn(ctx, id)
		m.mu.Lock()
		if m.opID == id {
			m.cancel, m.done = nil, nil
			m.snap.Operation = OpNone
		}
		m.mu.Unlock()
	}()
	return done, nil
}

// transition moves to state to unless operation id has been superseded.
// id 0 bypasses the check for updates made outside an operation.
func (m *Machine) transition(ctx context.Context, id uint64, to State, mutate func(*Snapshot)) bool {
	m.mu.Lock()
	if id != 0 && id != m.opID {
		m.mu.Unlock()
		return false
	}
	from := m.snap.State
	m.snap.State = to
	if mutate != nil {
		mutate(&m.snap)
	}
	m.snap.UpdatedAt = m.o.now().UTC()
	snap := m.snap.clone()
	m.mu.Unlock()

	logging.FromContext(ctx).Info("deploy_transition", "user_id", m.UserID, "from", from, "to", to)
	m.o.transitioned(ctx, m.UserID, from, to, snap)
	return true
}

// update mutates the snapshot without a state change.
func (m *Machine) update(id uint64, mutate func(*Snapshot)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != 0 && id != m.opID {
		return false
	}
	mutate(&m.snap)
	m.snap.UpdatedAt = m.o.now().UTC()
	return true
}

func (m *Machine) fail(ctx context.Context, id uint64, msg string) {
	m.transition(ctx, id, StateRedeployRequired, func(s *Snapshot) {
		s.RedeployRequired = true
		s.PopupClosesAt = nil
		s.Message = msg
	})
}

func (m *Machine) reset() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.halt()
	m.transition(m.o.base, 0, StateNotDeployed, func(s *Snapshot) {
		*s = Snapshot{State: StateNotDeployed, Forms: initialForms()}
	})
}

func (m *Machine) setForm(n int, mutate func(*Form)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.snap.Forms[n-1])
	m.snap.UpdatedAt = m.o.now().UTC()
}

// relay sends a form action and folds the outcome into the form state. An
// auto-undeploy answer resets every form and marks the deployment for
// redeploy until the notice is acknowledged.
func (m *Machine) relay(ctx context.Context, action Action, formNumber int, payload map[string]any) (json.RawMessage, error) {
	l := logging.FromContext(ctx).With("user_id", m.UserID, "form", formNumber, "action", string(action))
	m.setForm(formNumber, func(f *Form) {
		f.Loading = true
		f.Error = ""
	})

	out, err := m.o.tunnel.Send(ctx, m.Logical, payload)
	switch {
	case err == nil:
		m.setForm(formNumber, func(f *Form) {
			f.Loading = false
			f.Status = statusAfter(action, f.Status)
		})
		l.Info("form_action_relayed")
		return out, nil

	case errors.Is(err, tunnel.ErrAutoUndeployed):
		l.Warn("form_action_auto_undeployed", "error", err)
		m.autoUndeployed(ctx, err.Error())
		return nil, err

	default:
		if m.o.metrics != nil {
			m.o.metrics.UpstreamErrors.WithLabelValues("tunnel").Inc()
		}
		l.Warn("form_action_failed", "error", err)
		m.setForm(formNumber, func(f *Form) {
			f.Loading = false
			f.Error = err.Error()
		})
		return nil, err
	}
}

func (m *Machine) autoUndeployed(ctx context.Context, msg string) {
	m.opMu.Lock()
	m.halt()
	m.transition(ctx, 0, StateRedeployRequired, func(s *Snapshot) {
		s.Forms = initialForms()
		s.AutoUndeployed = true
		s.RedeployRequired = true
		s.Operation = OpNone
		s.PopupClosesAt = nil
		s.Message = msg
	})
	m.opMu.Unlock()

	if m.o.records != nil {
		if err := m.o.records.ClearDeployment(ctx, m.UserID); err != nil {
			logging.FromContext(ctx).Warn("deployment_record_clear_failed", "user_id", m.UserID, "error", err)
		}
	}
	m.o.audit.Log(ctx, audit.EventAutoUndeploy, map[string]any{"userId": m.UserID, "message": msg})
}
