// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that every
// reader and writer of a key can be found in one place.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/warden/pkg/contextkeys"
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: rbac.PermissionMiddleware, rbac.Handlers
	AuthKey Key = "auth_context"

	// PermissionSetKey contains *rbac.EffectivePermissionSet
	// Set by: rbac.PermissionMiddleware after a successful check
	// Used by: handlers that render the caller's permissions
	PermissionSetKey Key = "permission_set"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: request logging, audit trail
	RequestIDKey Key = "request_id"

	// AuditActorKey contains audit.Actor
	// Set by: middleware.AuthMiddleware
	// Used by: audit recorders to stamp actor, IP and user agent
	AuditActorKey Key = "audit_actor"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx any) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithPermissionSet adds the resolved permission set to the context
func WithPermissionSet(ctx context.Context, set any) context.Context {
	return context.WithValue(ctx, PermissionSetKey, set)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
