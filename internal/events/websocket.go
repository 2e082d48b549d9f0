package events

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/kicklock/pkg/logging"
)

const (
	wsPingInterval = 25 * time.Second
	wsPongTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// IdentifyFunc extracts the authenticated user and session from a request
// that already passed the session middleware.
type IdentifyFunc func(c echo.Context) (userID, sessionID string)

type WSHandler struct {
	Hub            *Hub
	Identify       IdentifyFunc
	OriginPatterns []string
}

// Serve upgrades the request and streams the user's events as JSON text
// frames until the client leaves or its session is terminated.
func (h *WSHandler) Serve(c echo.Context) error {
	userID, sessionID := h.Identify(c)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	l := logging.FromContext(c.Request().Context()).With("handler", "session_events", "user_id", userID)

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		l.Warn("ws_accept_failed", "error", err)
		return nil
	}
	defer conn.CloseNow()

	ch, cancel := h.Hub.Subscribe(userID, sessionID)
	defer cancel()

	// the client sends nothing; CloseRead handles control frames and
	// cancels ctx when the peer goes away
	ctx := conn.CloseRead(c.Request().Context())

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, wsPongTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				l.Debug("ws_ping_failed", "error", err)
				return nil
			}
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				l.Debug("ws_write_failed", "error", err)
				return nil
			}
			if ev.Type == TypeSessionTerminated {
				_ = conn.Close(websocket.StatusPolicyViolation, "session terminated")
				return nil
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
