package events

import (
	"context"
	"errors"
	"time"

	"github.com/Skotchmaster/kicklock/pkg/logging"
)

const (
	TypeSessionTerminated  = "session_terminated"
	TypeDeployStateChanged = "deploy_state_changed"
	TypeUserSignedIn       = "user_signed_in"
	TypeUserSignedOut      = "user_signed_out"
	TypeUserCreated        = "user_created"
	TypeUserDeleted        = "user_deleted"
	TypeTokenCreated       = "token_created"
	TypeTokenClaimed       = "token_claimed"
	TypeTokenRenewed       = "token_renewed"
	TypeTokenDeleted       = "token_deleted"
)

type Event struct {
	Type      string         `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`

	// Origin names the instance that produced the event so cross-instance
	// relays can skip their own traffic.
	Origin string `json:"origin,omitempty"`
}

func New(typ, userID string, data map[string]any) Event {
	return Event{Type: typ, UserID: userID, Data: data, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi delivers to every publisher in order and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort logs publish failures instead of returning them.
type BestEffort struct {
	Next Publisher
}

func (b BestEffort) Publish(ctx context.Context, ev Event) error {
	if b.Next == nil {
		return nil
	}
	if err := b.Next.Publish(ctx, ev); err != nil {
		logging.FromContext(ctx).Warn("event_publish_failed", "type", ev.Type, "user_id", ev.UserID, "error", err)
	}
	return nil
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
