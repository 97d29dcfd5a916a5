package auth

import (
	"context"
	"strings"

	"storykeep.org/internal/ownership"
)

type ctxKey string

const (
	userIDKey ctxKey = "auth_user_id"
	tenantKey ctxKey = "auth_tenant_id"
)

// ContextWithUser stores the actor identity and tenant in the context.
func ContextWithUser(ctx context.Context, userID, tenantID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		ctx = context.WithValue(ctx, tenantKey, tenantID)
	}
	return ctx
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// TenantFromContext returns the tenant claim of the authenticated user, if any.
func TenantFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// ActorFromContext builds the acting identity for service calls.
func ActorFromContext(ctx context.Context) (ownership.Actor, bool) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return ownership.Actor{}, false
	}
	return ownership.Actor{ID: id, TenantID: TenantFromContext(ctx)}, true
}
