// Package middleware provides the HTTP authentication stage and request rate
// limiting.
//
// # Overview
//
// AuthMiddleware runs before every authorization check. It moves a request
// from unauthenticated to authenticated or stops it with a 401:
//
//	INVALID_TOKEN        missing, malformed or unverifiable bearer token, unknown user
//	EXPIRED_TOKEN        token past its expiry
//	INACTIVE_USER        user record deactivated
//	TWO_FACTOR_REQUIRED  two-factor enabled but the session did not complete it
//
// A store failure while loading the user is returned as STORE_UNAVAILABLE and
// the request never reaches the handler.
//
//	authn := middleware.NewAuthMiddleware(tokens, users, log)
//	router.Use(authn.Handler)
//
// On success the request context carries *auth.AuthContext (GetAuthContext)
// and the audit.Actor used to stamp administrative audit entries.
//
// # Rate Limiting
//
//	admin.Use(middleware.RateLimit(cfg.AdminRateLimit))
//
// Keys by authenticated user when available, otherwise by client IP.
//
// # Related Packages
//
//   - pkg/rbac: authorization stages that run after authentication
//   - pkg/auth: token verification and user loading
package middleware
