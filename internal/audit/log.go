package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"storykeep.org/internal/auth"
	"storykeep.org/internal/obs"
	"storykeep.org/internal/ownership"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the HTTP request id so recorded entries can be correlated with access logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

// line is the JSON shape of an audit log line.
type line struct {
	TS        string `json:"ts"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	EntityID  string `json:"entity_id"`
	Category  string `json:"action_category,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// LogEvent writes e as one `"type":"audit"` line named <entity_type>.<action>.
// The request id and authenticated user come from ctx; the entry's own request id wins.
func LogEvent(ctx context.Context, e ownership.AuditEntry) error {
	entity, action := strings.TrimSpace(e.EntityType), strings.TrimSpace(e.Action)
	if entity == "" || action == "" {
		return errors.New("audit: entity type and action are required")
	}
	l := line{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Event:     entity + "." + action,
		RequestID: e.RequestID,
		TenantID:  e.TenantID,
		EntityID:  e.EntityID,
		Category:  e.ActionCategory,
		ActorID:   e.ActorID,
		Summary:   e.ChangeSummary,
	}
	if l.RequestID == "" {
		l.RequestID = RequestIDFromContext(ctx)
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		l.UserID = userID
	}

	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
