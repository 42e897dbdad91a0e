// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Responses
//
// Every JSON body uses the same envelope:
//
//	{"success": true, "data": ...}
//	{"success": false, "message": "...", "code": "MISSING_PERMISSION", "details": {...}}
//
// WriteAppError maps an apperrors code to its HTTP status. Store failures are
// reported without their cause.
//
// # Request Parsing
//
//	var req rbac.RoleInput
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return // 400 already written
//	}
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(log),
//		httputil.RecoveryMiddleware(log),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
