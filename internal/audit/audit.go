package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Skotchmaster/kicklock/internal/models"
	"github.com/Skotchmaster/kicklock/pkg/logging"
	"github.com/Skotchmaster/kicklock/pkg/util"
)

const (
	EventSignIn            = "signin"
	EventSignInFailed      = "signin_failed"
	EventSignOut           = "signout"
	EventBeaconSignOut     = "beacon_signout"
	EventSessionTerminated = "session_terminated"
	EventSignUp            = "signup"
	EventAdminSignIn       = "admin_signin"
	EventAdminSignInFailed = "admin_signin_failed"
	EventAdminSignOut      = "admin_signout"
	EventTokenGenerated    = "token_generated"
	EventTokenClaimed      = "token_claimed"
	EventTokenRenewed      = "token_renewed"
	EventTokenDeleted      = "token_deleted"
	EventUserDeleted       = "user_deleted"
	EventReconcileRepair   = "reconcile_repair"
	EventAutoUndeploy      = "auto_undeploy"
)

type Store interface {
	InsertSecurityLog(ctx context.Context, entry *models.SecurityLog) error
	SearchSecurityLogs(ctx context.Context, q string, offset, limit int) ([]models.SecurityLog, int64, error)
}

// Mirror is a secondary search index for security logs.
type Mirror interface {
	IndexLog(ctx context.Context, entry models.SecurityLog) error
	SearchLogs(ctx context.Context, q string, from, size int) (int64, []models.SecurityLog, error)
}

type Logger struct {
	Store  Store
	Mirror Mirror
	Now    func() time.Time
}

type Page struct {
	Items []models.SecurityLog `json:"items"`
	Total int64                `json:"total"`
	Page  int                  `json:"page"`
	Size  int                  `json:"size"`
}

func (l *Logger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Record writes one security_logs row. The search mirror is updated best
// effort; only the database write can fail the call.
func (l *Logger) Record(ctx context.Context, eventType string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", eventType, err)
	}
	entry := models.SecurityLog{
		EventType: eventType,
		EventData: string(raw),
		Timestamp: l.now(),
	}
	if err := l.Store.InsertSecurityLog(ctx, &entry); err != nil {
		return fmt.Errorf("audit: insert %s: %w", eventType, err)
	}
	if l.Mirror != nil {
		if err := l.Mirror.IndexLog(ctx, entry); err != nil {
			logging.FromContext(ctx).Warn("audit_mirror_failed", "event_type", eventType, "error", err)
		}
	}
	return nil
}

// Log is Record for call sites that must not fail on audit errors.
func (l *Logger) Log(ctx context.Context, eventType string, data map[string]any) {
	if l == nil {
		return
	}
	if err := l.Record(ctx, eventType, data); err != nil {
		logging.FromContext(ctx).Error("audit_write_failed", "event_type", eventType, "error", err)
	}
}

// Search prefers the mirror for free-text queries and falls back to the
// database when the mirror is absent or failing.
func (l *Logger) Search(ctx context.Context, q string, page, size int) (Page, error) {
	from, limit := util.Calculate(page, size)
	p := Page{Page: from/limit + 1, Size: limit}

	if l.Mirror != nil && q != "" {
		total, items, err := l.Mirror.SearchLogs(ctx, q, from, limit)
		if err == nil {
			p.Items, p.Total = items, total
			return p, nil
		}
		logging.FromContext(ctx).Warn("audit_mirror_search_failed", "error", err)
	}

	items, total, err := l.Store.SearchSecurityLogs(ctx, q, from, limit)
	if err != nil {
		return Page{}, fmt.Errorf("audit: search: %w", err)
	}
	p.Items, p.Total = items, total
	return p, nil
}
