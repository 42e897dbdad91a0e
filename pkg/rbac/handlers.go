package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/audit"
	apperrors "github.com/platinummonkey/warden/pkg/errors"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
)

// Modules and actions of the administrative API. Each route is guarded by
// the policy table entry for its pair, "module.action" unless overridden.
const (
	ModuleRoles = "roles"
	ModuleUsers = "users"
	ModuleAudit = "audit"

	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	manager *Manager
	store   *Store
	checker Checker
	guards  *PermissionMiddleware
	audit   *audit.Handlers
}

// NewHandlers creates new RBAC handlers. reader may be nil, in which case the
// audit route is not registered.
func NewHandlers(manager *Manager, checker Checker, guards *PermissionMiddleware, reader audit.Reader) *Handlers {
	h := &Handlers{
		manager: manager,
		store:   manager.Store(),
		checker: checker,
		guards:  guards,
	}
	if reader != nil {
		h.audit = audit.NewHandlers(reader)
	}
	return h
}

// RegisterRoutes registers all RBAC routes. The router must already run the
// authentication stage.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/rbac").Subrouter()
	act := h.guards.RequireAction
	manage := h.guards.RequireUserManagement("id")

	// Roles
	h.handle(r, "GET", "/roles", h.ListRoles, act(ModuleRoles, ActionRead))
	h.handle(r, "POST", "/roles", h.CreateRole, act(ModuleRoles, ActionCreate))
	h.handle(r, "GET", "/roles/{id}", h.GetRole, act(ModuleRoles, ActionRead))
	h.handle(r, "PUT", "/roles/{id}", h.UpdateRole, act(ModuleRoles, ActionUpdate))
	h.handle(r, "DELETE", "/roles/{id}", h.DeleteRole, act(ModuleRoles, ActionDelete))

	// Role grants
	h.handle(r, "GET", "/roles/{id}/permissions", h.GetRolePermissions, act(ModuleRoles, ActionRead))
	h.handle(r, "POST", "/roles/{id}/permissions", h.GrantPermissions, act(ModuleRoles, ActionUpdate))
	h.handle(r, "PUT", "/roles/{id}/permissions", h.SetRolePermissions, act(ModuleRoles, ActionUpdate))
	h.handle(r, "DELETE", "/roles/{id}/permissions/{permission_id}", h.RevokePermission, act(ModuleRoles, ActionUpdate))

	// Catalog
	h.handle(r, "GET", "/permissions", h.ListPermissions, act(ModuleRoles, ActionRead))
	h.handle(r, "POST", "/permissions", h.CreatePermission, act(ModuleRoles, ActionCreate))
	h.handle(r, "PATCH", "/permissions/{id}", h.SetPermissionActive, act(ModuleRoles, ActionUpdate))
	h.handle(r, "GET", "/modules", h.ListModules, act(ModuleRoles, ActionRead))
	h.handle(r, "POST", "/modules", h.CreateModule, act(ModuleRoles, ActionCreate))
	h.handle(r, "PATCH", "/modules/{id}", h.SetModuleActive, act(ModuleRoles, ActionUpdate))

	// User assignments
	h.handle(r, "GET", "/users/{id}/roles", h.GetUserRoles, act(ModuleUsers, ActionRead))
	h.handle(r, "POST", "/users/{id}/roles", h.AssignUserRole, act(ModuleUsers, ActionUpdate), manage)
	h.handle(r, "DELETE", "/users/{id}/roles/{role_id}", h.RemoveUserRole, act(ModuleUsers, ActionUpdate), manage)
	h.handle(r, "PUT", "/users/{id}/primary-role", h.SetPrimaryRole, act(ModuleUsers, ActionUpdate), manage)
	h.handle(r, "GET", "/users/{id}/permissions", h.GetUserPermissions, act(ModuleUsers, ActionRead))
	h.handle(r, "GET", "/me", h.Me)

	if h.audit != nil {
		h.handle(r, "GET", "/audit", h.audit.ListEntries, act(ModuleAudit, ActionRead))
	}
}

// handle registers fn behind stages, outermost first
func (h *Handlers) handle(r *mux.Router, method, path string, fn http.HandlerFunc, stages ...func(http.Handler) http.Handler) {
	var handler http.Handler = fn
	for i := len(stages) - 1; i >= 0; i-- {
		handler = stages[i](handler)
	}
	r.Handle(path, handler).Methods(method)
}

// Roles

// ListRoles lists roles, optionally filtered by ?active= and ?q=
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	active, err := httputil.ParseQueryBoolPtr(r, "active")
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	roles, err := h.store.ListRoles(r.Context(), RoleFilter{
		Active: active,
		Search: r.URL.Query().Get("q"),
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// CreateRole creates a new custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var input RoleInput
	if !httputil.DecodeAndValidate(w, r, &input) {
		return
	}

	role, err := h.manager.CreateRole(r.Context(), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// GetRole returns one role
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole replaces a role's attributes
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var input RoleInput
	if !httputil.DecodeAndValidate(w, r, &input) {
		return
	}

	role, err := h.manager.UpdateRole(r.Context(), roleID, input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole soft-deletes a role, or removes it with ?hard=true
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	hard, err := httputil.ParseQueryBool(r, "hard", false)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	if err := h.manager.DeleteRole(r.Context(), roleID, hard); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "role deleted", map[string]any{"id": roleID, "hard": hard})
}

// Role grants

type permissionIDsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"dive,gt=0"`
}

// GetRolePermissions lists the permissions granted to a role
func (h *Handlers) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	perms, err := h.store.GetRolePermissions(r.Context(), roleID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// GrantPermissions grants the listed permissions to a role
func (h *Handlers) GrantPermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req permissionIDsRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	if len(req.PermissionIDs) == 0 {
		httputil.WriteBadRequest(w, "permission_ids must not be empty")
		return
	}

	granted, err := h.manager.GrantPermissions(r.Context(), roleID, req.PermissionIDs...)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{"granted": nonNil(granted)})
}

// SetRolePermissions replaces a role's grants with the listed permissions
func (h *Handlers) SetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req permissionIDsRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	added, removed, err := h.manager.SetRolePermissions(r.Context(), roleID, req.PermissionIDs)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]any{"added": nonNil(added), "removed": nonNil(removed)})
}

// RevokePermission removes one grant
func (h *Handlers) RevokePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.manager.RevokePermission(r.Context(), roleID, permissionID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "permission revoked", nil)
}

// Catalog

type activeRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// ListPermissions lists permissions, optionally filtered by ?module=,
// ?module_id= and ?active=
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	moduleID, err := httputil.ParseQueryInt64Ptr(r, "module_id")
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	active, err := httputil.ParseQueryBoolPtr(r, "active")
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	perms, err := h.store.ListPermissions(r.Context(), PermissionFilter{
		ModuleID:   moduleID,
		ModuleName: r.URL.Query().Get("module"),
		Active:     active,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// CreatePermission creates a permission in an existing module
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var input PermissionInput
	if !httputil.DecodeAndValidate(w, r, &input) {
		return
	}

	perm, err := h.manager.CreatePermission(r.Context(), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// SetPermissionActive toggles a permission
func (h *Handlers) SetPermissionActive(w http.ResponseWriter, r *http.Request) {
	permissionID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req activeRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	perm, err := h.manager.SetPermissionActive(r.Context(), permissionID, *req.IsActive)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// ListModules lists modules in display order
func (h *Handlers) ListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.store.ListModules(r.Context())
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, modules)
}

// CreateModule creates a module
func (h *Handlers) CreateModule(w http.ResponseWriter, r *http.Request) {
	var input ModuleInput
	if !httputil.DecodeAndValidate(w, r, &input) {
		return
	}

	module, err := h.manager.CreateModule(r.Context(), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteCreated(w, module)
}

// SetModuleActive toggles a module
func (h *Handlers) SetModuleActive(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req activeRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	module, err := h.manager.SetModuleActive(r.Context(), moduleID, *req.IsActive)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, module)
}

// User assignments

// GetUserRoles lists a user's secondary role assignments
func (h *Handlers) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	assignments, err := h.store.GetUserRoleAssignments(r.Context(), userID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, assignments)
}

// AssignUserRole assigns a secondary role to a user
func (h *Handlers) AssignUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RoleID int64 `json:"role_id" validate:"required,gt=0"`
	}
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.manager.AssignUserRole(r.Context(), userID, req.RoleID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "role assigned", map[string]any{"user_id": userID, "role_id": req.RoleID})
}

// RemoveUserRole removes a secondary role from a user
func (h *Handlers) RemoveUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}

	if err := h.manager.RemoveUserRole(r.Context(), userID, roleID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "role removed", nil)
}

// SetPrimaryRole sets or clears (role_id null) a user's primary role
func (h *Handlers) SetPrimaryRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RoleID *int64 `json:"role_id" validate:"omitempty,gt=0"`
	}
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.manager.SetPrimaryRole(r.Context(), userID, req.RoleID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "primary role updated", map[string]any{"user_id": userID, "role_id": req.RoleID})
}

// Effective permissions

// PermissionSetView is the JSON form of a resolved set
type PermissionSetView struct {
	UserID      int64    `json:"user_id"`
	Tier        string   `json:"tier"`
	Level       int      `json:"level"`
	HasRole     bool     `json:"has_role"`
	All         bool     `json:"all"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// NewPermissionSetView converts set for output. SuperAdmin permissions are
// reported as ["*"].
func NewPermissionSetView(set *EffectivePermissionSet) PermissionSetView {
	view := PermissionSetView{
		UserID:      set.UserID,
		Tier:        set.Tier.String(),
		Level:       set.Level,
		HasRole:     set.HasRole,
		All:         set.All,
		Roles:       set.Roles,
		Permissions: set.Keys(),
	}
	if set.All {
		view.Permissions = []string{"*"}
	}
	if view.Roles == nil {
		view.Roles = []string{}
	}
	return view
}

// GetUserPermissions returns another user's effective permissions
func (h *Handlers) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	set, err := h.checker.Resolve(r.Context(), userID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteSuccess(w, NewPermissionSetView(set))
}

// Me returns the caller's effective permissions
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil || authCtx.User == nil {
		httputil.WriteAppError(w, apperrors.New(apperrors.CodeInvalidToken, "authentication required"))
		return
	}

	set, err := h.checker.Resolve(r.Context(), authCtx.User.ID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	ExposeHeaders(w, set)
	httputil.WriteSuccess(w, NewPermissionSetView(set))
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
