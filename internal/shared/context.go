package shared

import (
	"context"

	"github.com/google/uuid"
)

type userContextKey struct{}
type requestMetaContextKey struct{}

// RequestMeta is request metadata carried into audit entries.
type RequestMeta struct {
	RequestID string
	RemoteIP  string
	UserAgent string
}

// ContextWithUserID stores the authenticated user id in context.
func ContextWithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userContextKey{}, id)
}

// UserIDFromContext extracts the authenticated user id from context.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userContextKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// ContextWithRequestMeta stores request metadata in context.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaContextKey{}, meta)
}

// AuditContext flattens request metadata for audit entries.
func AuditContext(ctx context.Context) map[string]string {
	meta, ok := ctx.Value(requestMetaContextKey{}).(RequestMeta)
	if !ok {
		return nil
	}
	out := make(map[string]string, 3)
	if meta.RequestID != "" {
		out["request_id"] = meta.RequestID
	}
	if meta.RemoteIP != "" {
		out["remote_ip"] = meta.RemoteIP
	}
	if meta.UserAgent != "" {
		out["user_agent"] = meta.UserAgent
	}
	if userID, ok := UserIDFromContext(ctx); ok {
		out["authenticated_user"] = userID.String()
	}
	return out
}
