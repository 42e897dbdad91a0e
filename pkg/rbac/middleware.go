package rbac

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	apperrors "github.com/platinummonkey/warden/pkg/errors"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
)

// Response headers exposing the caller's resolved state to the frontend
const (
	HeaderUserPermissions = "X-User-Permissions"
	HeaderUserRoles       = "X-User-Roles"
)

// Stage names reported to the observer
const (
	StagePermission     = "require_permission"
	StageRole           = "require_role"
	StageModuleAccess   = "require_module_access"
	StageUserManagement = "require_user_management"
)

// PermissionMiddleware provides the authorization stages. Each stage runs
// after authentication, is read-only and denies on any error.
type PermissionMiddleware struct {
	checker  Checker
	guard    *Guard
	policy   *PolicyTable
	observer Observer
	log      *logrus.Entry
}

// MiddlewareOption configures a PermissionMiddleware
type MiddlewareOption func(*PermissionMiddleware)

// WithPolicy sets the table consulted by RequireAction
func WithPolicy(p *PolicyTable) MiddlewareOption {
	return func(pm *PermissionMiddleware) { pm.policy = p }
}

// WithMiddlewareLogger sets the logger used for denial logging
func WithMiddlewareLogger(log *logrus.Logger) MiddlewareOption {
	return func(pm *PermissionMiddleware) {
		if log != nil {
			pm.log = log.WithField("component", "rbac.middleware")
		}
	}
}

// WithMiddlewareObserver sets the telemetry sink
func WithMiddlewareObserver(o Observer) MiddlewareOption {
	return func(pm *PermissionMiddleware) { pm.observer = observerOrNoop(o) }
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker Checker, opts ...MiddlewareOption) *PermissionMiddleware {
	pm := &PermissionMiddleware{
		checker:  checker,
		guard:    NewGuard(checker),
		observer: noopObserver{},
		log:      logrus.New().WithField("component", "rbac.middleware"),
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// RequirePermission requires the caller to hold key
func (pm *PermissionMiddleware) RequirePermission(key string) func(http.Handler) http.Handler {
	module, _ := SplitKey(key)
	return pm.stage(StagePermission, func(r *http.Request, set *EffectivePermissionSet) error {
		if set.Has(key) {
			return nil
		}
		return pm.denial(apperrors.CodeMissingPermission, "missing permission: "+key, set, key, module)
	})
}

// RequireAction requires the permission the policy table assigns to action
// on module
func (pm *PermissionMiddleware) RequireAction(module, action string) func(http.Handler) http.Handler {
	return pm.stage(StagePermission, func(r *http.Request, set *EffectivePermissionSet) error {
		key := pm.policy.Lookup(module, action)
		if set.Has(key) {
			return nil
		}
		return pm.denial(apperrors.CodeMissingPermission, "missing permission: "+key, set, key, module)
	})
}

// RequireAnyPermission requires at least one of keys
func (pm *PermissionMiddleware) RequireAnyPermission(keys ...string) func(http.Handler) http.Handler {
	required := strings.Join(keys, "|")
	return pm.stage(StagePermission, func(r *http.Request, set *EffectivePermissionSet) error {
		for _, key := range keys {
			if set.Has(key) {
				return nil
			}
		}
		module := ""
		if len(keys) > 0 {
			module, _ = SplitKey(keys[0])
		}
		return pm.denial(apperrors.CodeMissingPermission, "missing permission: "+required, set, required, module)
	})
}

// RequireRole requires the caller to hold an active role named in names.
// Matching is case-insensitive. Tier does not substitute for a role name.
func (pm *PermissionMiddleware) RequireRole(names ...string) func(http.Handler) http.Handler {
	return pm.stage(StageRole, func(r *http.Request, set *EffectivePermissionSet) error {
		if set.HasRoleName(names...) {
			return nil
		}
		return pm.denial(apperrors.CodeRoleNotAllowed, "role not allowed", set, "", "")
	})
}

// RequireModuleAccess requires at least one permission in module
func (pm *PermissionMiddleware) RequireModuleAccess(module string) func(http.Handler) http.Handler {
	return pm.stage(StageModuleAccess, func(r *http.Request, set *EffectivePermissionSet) error {
		if set.HasModule(module) {
			return nil
		}
		return pm.denial(apperrors.CodeModuleAccessDenied, "no access to module: "+module, set, "", module)
	})
}

// RequireUserManagement requires the caller to outrank the user named by the
// path variable param
func (pm *PermissionMiddleware) RequireUserManagement(param string) func(http.Handler) http.Handler {
	return pm.stage(StageUserManagement, func(r *http.Request, set *EffectivePermissionSet) error {
		targetID, err := httputil.ParsePathInt64(r, param)
		if err != nil {
			return apperrors.Newf(apperrors.CodeInvalidArgument, "invalid %s", param)
		}

		ok, err := pm.guard.CanManage(r.Context(), set.UserID, targetID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		return pm.denial(apperrors.CodeInsufficientRoleLevel, "insufficient role level to manage this user", set, "", "")
	})
}

// stage runs check against the caller's resolved set. Anything but a nil
// result stops the request.
func (pm *PermissionMiddleware) stage(name string, check func(*http.Request, *EffectivePermissionSet) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := middleware.GetAuthContext(r)
			if authCtx == nil || authCtx.User == nil {
				pm.observer.Decision(name, false)
				httputil.WriteAppError(w, apperrors.New(apperrors.CodeInvalidToken, "authentication required"))
				return
			}

			set, err := pm.resolve(r, authCtx.User.ID)
			if err == nil {
				err = check(r, set)
			}
			if err != nil {
				pm.observer.Decision(name, false)
				pm.logDenial(r, name, authCtx.User.ID, err)
				var details *httputil.DenialDetails
				var d *denialError
				if errors.As(err, &d) {
					details = d.details
					err = d.err
				}
				httputil.WriteDenial(w, err, details)
				return
			}

			pm.observer.Decision(name, true)
			ExposeHeaders(w, set)
			next.ServeHTTP(w, r.WithContext(contextkeys.WithPermissionSet(r.Context(), set)))
		})
	}
}

// resolve returns the set attached by an earlier stage of this request or
// resolves it
func (pm *PermissionMiddleware) resolve(r *http.Request, userID int64) (*EffectivePermissionSet, error) {
	if set := PermissionSetFromRequest(r); set != nil && set.UserID == userID {
		return set, nil
	}
	return pm.checker.Resolve(r.Context(), userID)
}

func (pm *PermissionMiddleware) logDenial(r *http.Request, stage string, userID int64, err error) {
	entry := pm.log.WithFields(logrus.Fields{
		"stage":      stage,
		"user_id":    userID,
		"code":       string(apperrors.CodeOf(err)),
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": contextkeys.GetRequestID(r.Context()),
	})
	if apperrors.KindOf(err) == apperrors.KindUnavailable {
		entry.WithError(err).Warn("Authorization failed closed")
		return
	}
	entry.Debug("Authorization denied")
}

// denialError carries the response details next to the taxonomy error
type denialError struct {
	err     *apperrors.Error
	details *httputil.DenialDetails
}

func (d *denialError) Error() string { return d.err.Error() }
func (d *denialError) Unwrap() error { return d.err }

// denial builds a 403 carrying the caller's highest role and, when module is
// known, the actions the caller holds in that module only.
func (pm *PermissionMiddleware) denial(code apperrors.Code, message string, set *EffectivePermissionSet, required, module string) error {
	details := &httputil.DenialDetails{RequiredPermission: required}
	if len(set.Roles) > 0 {
		details.UserRole = set.Roles[0]
	}
	if module != "" && !set.All {
		details.AvailableActions = set.ModuleActions(module)
	}
	return &denialError{err: apperrors.New(code, message), details: details}
}

// ExposeHeaders writes the caller's permission keys and role names. SuperAdmin
// permissions are reported as "*".
func ExposeHeaders(w http.ResponseWriter, set *EffectivePermissionSet) {
	if set == nil {
		return
	}
	if set.All {
		w.Header().Set(HeaderUserPermissions, "*")
	} else {
		w.Header().Set(HeaderUserPermissions, strings.Join(set.Keys(), ","))
	}
	w.Header().Set(HeaderUserRoles, strings.Join(set.Roles, ","))
}

// PermissionSetFromRequest returns the set resolved by an authorization stage
// for this request, or nil
func PermissionSetFromRequest(r *http.Request) *EffectivePermissionSet {
	set, _ := r.Context().Value(contextkeys.PermissionSetKey).(*EffectivePermissionSet)
	return set
}
