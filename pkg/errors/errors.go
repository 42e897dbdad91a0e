// Package errors defines the error taxonomy shared by the authorization
// engine, its administrative surface and the HTTP boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable message
	Metadata map[string]string // Additional context (permission key, role name, ...)
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithMetadata creates a domain error carrying metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrInvalidToken          = New(CodeInvalidToken, "invalid token")
	ErrExpiredToken          = New(CodeExpiredToken, "token expired")
	ErrInactiveUser          = New(CodeInactiveUser, "user is inactive")
	ErrTwoFactorRequired     = New(CodeTwoFactorRequired, "two-factor verification required")
	ErrMissingPermission     = New(CodeMissingPermission, "missing permission")
	ErrInsufficientRoleLevel = New(CodeInsufficientRoleLevel, "insufficient role level")
	ErrModuleAccessDenied    = New(CodeModuleAccessDenied, "module access denied")
	ErrRoleNotAllowed        = New(CodeRoleNotAllowed, "role not allowed")
	ErrDuplicateName         = New(CodeDuplicateName, "duplicate name")
	ErrSystemRoleProtected   = New(CodeSystemRoleProtected, "system role is protected")
	ErrRoleInUse             = New(CodeRoleInUse, "role is in use")
	ErrInvalidArgument       = New(CodeInvalidArgument, "invalid argument")
	ErrRoleNotFound          = New(CodeRoleNotFound, "role not found")
	ErrPermissionNotFound    = New(CodePermissionNotFound, "permission not found")
	ErrUserNotFound          = New(CodeUserNotFound, "user not found")
	ErrModuleNotFound        = New(CodeModuleNotFound, "module not found")
	ErrStoreUnavailable      = New(CodeStoreUnavailable, "store unavailable")
)

// CodeOf returns the code of the first *Error in the chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// KindOf returns the category of err.
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}

// HTTPStatus maps err to an HTTP status code. Unknown errors are 500.
func HTTPStatus(err error) int {
	return CodeOf(err).HTTPStatus()
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return KindOf(err) == KindAuthentication
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// Unavailable wraps a store failure as STORE_UNAVAILABLE.
func Unavailable(op string, cause error) *Error {
	return Wrap(CodeStoreUnavailable, op, cause)
}

// IsDeny reports whether an authorization check that returned err must deny.
// Every error denies; a missing set is never read as "no restrictions".
func IsDeny(err error) bool {
	return err != nil
}
