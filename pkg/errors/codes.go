package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// Authentication
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeExpiredToken      Code = "EXPIRED_TOKEN"
	CodeInactiveUser      Code = "INACTIVE_USER"
	CodeTwoFactorRequired Code = "TWO_FACTOR_REQUIRED"

	// Authorization
	CodeMissingPermission     Code = "MISSING_PERMISSION"
	CodeInsufficientRoleLevel Code = "INSUFFICIENT_ROLE_LEVEL"
	CodeModuleAccessDenied    Code = "MODULE_ACCESS_DENIED"
	CodeRoleNotAllowed        Code = "ROLE_NOT_ALLOWED"

	// Validation
	CodeDuplicateName       Code = "DUPLICATE_NAME"
	CodeSystemRoleProtected Code = "SYSTEM_ROLE_PROTECTED"
	CodeRoleInUse           Code = "ROLE_IN_USE"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"

	// Not found
	CodeRoleNotFound       Code = "ROLE_NOT_FOUND"
	CodePermissionNotFound Code = "PERMISSION_NOT_FOUND"
	CodeUserNotFound       Code = "USER_NOT_FOUND"
	CodeModuleNotFound     Code = "MODULE_NOT_FOUND"

	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeUnknown          Code = "UNKNOWN"
)

// Kind groups codes into the categories callers branch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindUnavailable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Kind returns the category of the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidToken, CodeExpiredToken, CodeInactiveUser, CodeTwoFactorRequired:
		return KindAuthentication
	case CodeMissingPermission, CodeInsufficientRoleLevel, CodeModuleAccessDenied, CodeRoleNotAllowed:
		return KindAuthorization
	case CodeDuplicateName, CodeSystemRoleProtected, CodeRoleInUse, CodeInvalidArgument:
		return KindValidation
	case CodeRoleNotFound, CodePermissionNotFound, CodeUserNotFound, CodeModuleNotFound:
		return KindNotFound
	case CodeStoreUnavailable:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// HTTPStatus maps the code to an HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeDuplicateName, CodeSystemRoleProtected, CodeRoleInUse:
		return http.StatusConflict
	}
	switch c.Kind() {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
