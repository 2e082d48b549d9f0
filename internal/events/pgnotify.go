package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/Skotchmaster/kicklock/pkg/logging"
)

const DefaultChannel = "kicklock_events"

// PGNotifier relays events to other instances through Postgres NOTIFY.
type PGNotifier struct {
	DB       *gorm.DB
	Channel  string
	Instance string
}

// Publish sends one NOTIFY. Payloads are capped at 8000 bytes by Postgres.
func (n *PGNotifier) Publish(ctx context.Context, ev Event) error {
	ev.Origin = n.Instance
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pg notify: marshal: %w", err)
	}
	if err := n.DB.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", n.Channel, string(payload)).Error; err != nil {
		return fmt.Errorf("pg notify: %w", err)
	}
	return nil
}

// PGListener feeds NOTIFY payloads from other instances into a local
// publisher, normally the Hub.
type PGListener struct {
	DSN      string
	Channel  string
	Instance string
	Local    Publisher
}

func (l *PGListener) Run(ctx context.Context) error {
	log := logging.FromContext(ctx).With("component", "pg_listener", "channel", l.Channel)

	listener := pq.NewListener(l.DSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("pg_listener_event", "event", int(ev), "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.Channel); err != nil {
		return fmt.Errorf("listen %s: %w", l.Channel, err)
	}
	log.Info("pg_listener_started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// reconnected; notifications sent meanwhile are lost
				continue
			}
			l.dispatch(ctx, n.Extra)
		case <-time.After(90 * time.Second):
			go func() { _ = listener.Ping() }()
		}
	}
}

func (l *PGListener) dispatch(ctx context.Context, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		logging.FromContext(ctx).Warn("pg_listener_bad_payload", "error", err)
		return
	}
	if ev.Origin == l.Instance {
		return
	}
	_ = l.Local.Publish(ctx, ev)
}
