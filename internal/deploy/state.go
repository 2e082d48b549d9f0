package deploy

import (
	"time"
)

type State string

const (
	StateUnknown          State = "Unknown"
	StateChecking         State = "Checking"
	StateNotDeployed      State = "NotDeployed"
	StateDispatching      State = "Dispatching"
	StateLocatingRun      State = "LocatingRun"
	StatePolling          State = "Polling"
	StateDeployed         State = "Deployed"
	StateUndeploying      State = "Undeploying"
	StateRedeployRequired State = "RedeployRequired"
)

// Busy reports whether an operation owns the machine in this state.
func (s State) Busy() bool {
	switch s {
	case StateChecking, StateDispatching, StateLocatingRun, StatePolling, StateUndeploying:
		return true
	}
	return false
}

const (
	OpNone     = ""
	OpCheck    = "check"
	OpDeploy   = "deploy"
	OpUndeploy = "undeploy"
)

// Snapshot is the browser-facing view of one user's deployment.
type Snapshot struct {
	State     State  `json:"state"`
	Operation string `json:"operation,omitempty"`
	Message   string `json:"message,omitempty"`

	// RedeployRequired is set whenever the last operation failed or the
	// deployment went stale; the UI offers a redeploy.
	RedeployRequired bool `json:"redeployRequired"`
	Stale            bool `json:"stale,omitempty"`

	// AutoUndeployed marks an upstream stop reported by the tunnel. A new
	// deploy is refused until it is acknowledged.
	AutoUndeployed bool `json:"autoUndeployed"`

	Conclusion    string     `json:"conclusion,omitempty"`
	RunID         int64      `json:"runId,omitempty"`
	RunURL        string     `json:"runUrl,omitempty"`
	FormNumber    int        `json:"formNumber,omitempty"`
	DeployedAt    *time.Time `json:"deployedAt,omitempty"`
	PopupClosesAt *time.Time `json:"popupClosesAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	Forms []Form `json:"forms"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Forms = append([]Form(nil), s.Forms...)
	return out
}

type Timings struct {
	SettleDelay      time.Duration
	LocateInterval   time.Duration
	LocateTimeout    time.Duration
	PollInterval     time.Duration
	PollTimeout      time.Duration
	UndeployInterval time.Duration
	UndeployTimeout  time.Duration
	PopupCountdown   time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		SettleDelay:      3 * time.Second,
		LocateInterval:   5 * time.Second,
		LocateTimeout:    30 * time.Second,
		PollInterval:     10 * time.Second,
		PollTimeout:      3 * time.Minute,
		UndeployInterval: 5 * time.Second,
		UndeployTimeout:  60 * time.Second,
		PopupCountdown:   30 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.SettleDelay < 0 {
		t.SettleDelay = 0
	} else if t.SettleDelay == 0 {
		t.SettleDelay = d.SettleDelay
	}
	if t.LocateInterval <= 0 {
		t.LocateInterval = d.LocateInterval
	}
	if t.LocateTimeout <= 0 {
		t.LocateTimeout = d.LocateTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.PollTimeout <= 0 {
		t.PollTimeout = d.PollTimeout
	}
	if t.UndeployInterval <= 0 {
		t.UndeployInterval = d.UndeployInterval
	}
	if t.UndeployTimeout <= 0 {
		t.UndeployTimeout = d.UndeployTimeout
	}
	if t.PopupCountdown <= 0 {
		t.PopupCountdown = d.PopupCountdown
	}
	return t
}
