package rbac

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/warden/pkg/audit"
)

var managerTracer = otel.Tracer("warden/rbac/manager")

// Manager is the administrative write path. Every mutation commits in the
// store first, then synchronously invalidates the affected cache entries and
// finally appends an audit entry. Invalidation completes before the call
// returns; an audit failure is logged and never fails the mutation.
//
// Calls that change nothing (re-granting, revoking a missing pair) skip both
// invalidation and audit.
type Manager struct {
	store       *Store
	invalidator Invalidator
	guard       *Guard
	recorder    audit.Recorder
	observer    Observer
	log         *logrus.Entry
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger
func WithManagerLogger(log *logrus.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log.WithField("component", "rbac.manager")
		}
	}
}

// WithManagerObserver sets the telemetry sink
func WithManagerObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = observerOrNoop(o) }
}

// WithGuard enables the escalation check on role assignment. Without a guard
// any caller reaching the manager may assign any role.
func WithGuard(g *Guard) ManagerOption {
	return func(m *Manager) { m.guard = g }
}

// NewManager creates the administrative surface over store. A nil recorder
// discards audit entries.
func NewManager(store *Store, invalidator Invalidator, recorder audit.Recorder, opts ...ManagerOption) *Manager {
	if recorder == nil {
		recorder = audit.NoopRecorder{}
	}
	m := &Manager{
		store:       store,
		invalidator: invalidator,
		recorder:    recorder,
		observer:    noopObserver{},
		log:         logrus.New().WithField("component", "rbac.manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store for reads
func (m *Manager) Store() *Store {
	return m.store
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return managerTracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Roles

// CreateRole creates a custom role
func (m *Manager) CreateRole(ctx context.Context, input RoleInput) (role *Role, err error) {
	ctx, span := startSpan(ctx, "CreateRole", attribute.String("role.name", input.Name))
	defer func() { endSpan(span, err) }()

	role, err = m.store.CreateRole(ctx, input)
	if err != nil {
		return nil, err
	}

	entry := audit.NewEntry(ctx, audit.ActionRoleCreated)
	entry.RoleID = audit.Int64(role.ID)
	entry.Details["name"] = role.Name
	entry.Details["level"] = role.Level
	m.record(ctx, entry)
	return role, nil
}

// UpdateRole updates a role. Users holding the role are invalidated when its
// name, level or active flag changes.
func (m *Manager) UpdateRole(ctx context.Context, roleID int64, input RoleInput) (role *Role, err error) {
	ctx, span := startSpan(ctx, "UpdateRole", attribute.Int64("role.id", roleID))
	defer func() { endSpan(span, err) }()

	before, after, err := m.store.UpdateRole(ctx, roleID, input)
	if err != nil {
		return nil, err
	}

	changes := roleChanges(before, after)
	if len(changes) == 0 {
		return after, nil
	}
	if hasAuthzChange(changes) {
		m.invalidateRoleUsers(ctx, roleID)
	}

	entry := audit.NewEntry(ctx, audit.ActionRoleUpdated)
	entry.RoleID = audit.Int64(roleID)
	entry.Details["name"] = after.Name
	entry.Details["changes"] = changes
	m.record(ctx, entry)
	return after, nil
}

// hasAuthzChange reports whether changes touch anything a resolved set depends on
func hasAuthzChange(changes map[string]any) bool {
	for _, field := range []string{"name", "level", "is_active"} {
		if _, ok := changes[field]; ok {
			return true
		}
	}
	return false
}

// roleChanges returns field -> [before, after] for every field that differs
func roleChanges(before, after *Role) map[string]any {
	changes := map[string]any{}
	if before.Name != after.Name {
		changes["name"] = []any{before.Name, after.Name}
	}
	if before.DisplayName != after.DisplayName {
		changes["display_name"] = []any{before.DisplayName, after.DisplayName}
	}
	if before.Description != after.Description {
		changes["description"] = []any{before.Description, after.Description}
	}
	if before.Level != after.Level {
		changes["level"] = []any{before.Level, after.Level}
	}
	if before.IsActive != after.IsActive {
		changes["is_active"] = []any{before.IsActive, after.IsActive}
	}
	return changes
}

// DeleteRole soft-deletes or hard-deletes a role
func (m *Manager) DeleteRole(ctx context.Context, roleID int64, hard bool) (err error) {
	ctx, span := startSpan(ctx, "DeleteRole",
		attribute.Int64("role.id", roleID),
		attribute.Bool("hard", hard),
	)
	defer func() { endSpan(span, err) }()

	role, affected, err := m.store.DeleteRole(ctx, roleID, hard)
	if err != nil {
		return err
	}

	m.invalidator.Invalidate(ctx, affected...)

	entry := audit.NewEntry(ctx, audit.ActionRoleDeleted)
	entry.RoleID = audit.Int64(roleID)
	entry.Details["name"] = role.Name
	entry.Details["hard"] = hard
	entry.Details["affected_users"] = len(affected)
	m.record(ctx, entry)
	return nil
}

// Grants

// GrantPermission grants one permission to a role. Granting an existing pair
// succeeds without change.
func (m *Manager) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := m.GrantPermissions(ctx, roleID, permissionID)
	return err
}

// GrantPermissions grants every permission to a role in one transaction and
// returns the newly granted IDs.
func (m *Manager) GrantPermissions(ctx context.Context, roleID int64, permissionIDs ...int64) (granted []int64, err error) {
	ctx, span := startSpan(ctx, "GrantPermissions",
		attribute.Int64("role.id", roleID),
		attribute.Int("permissions", len(permissionIDs)),
	)
	defer func() { endSpan(span, err) }()

	granted, err = m.store.GrantPermissions(ctx, roleID, permissionIDs...)
	if err != nil {
		return nil, err
	}
	if len(granted) == 0 {
		return granted, nil
	}

	m.invalidateRoleUsers(ctx, roleID)
	for _, id := range granted {
		m.recordGrant(ctx, audit.ActionPermissionGranted, roleID, id)
	}
	return granted, nil
}

// RevokePermission removes a grant. Revoking a pair that was never granted
// succeeds without change.
func (m *Manager) RevokePermission(ctx context.Context, roleID, permissionID int64) (err error) {
	ctx, span := startSpan(ctx, "RevokePermission",
		attribute.Int64("role.id", roleID),
		attribute.Int64("permission.id", permissionID),
	)
	defer func() { endSpan(span, err) }()

	changed, err := m.store.RevokePermission(ctx, roleID, permissionID)
	if err != nil || !changed {
		return err
	}

	m.invalidateRoleUsers(ctx, roleID)
	m.recordGrant(ctx, audit.ActionPermissionRevoked, roleID, permissionID)
	return nil
}

// SetRolePermissions replaces the grants of a role in one transaction
func (m *Manager) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (added, removed []int64, err error) {
	ctx, span := startSpan(ctx, "SetRolePermissions", attribute.Int64("role.id", roleID))
	defer func() { endSpan(span, err) }()

	added, removed, err = m.store.SetRolePermissions(ctx, roleID, permissionIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(added) == 0 && len(removed) == 0 {
		return added, removed, nil
	}

	m.invalidateRoleUsers(ctx, roleID)
	for _, id := range added {
		m.recordGrant(ctx, audit.ActionPermissionGranted, roleID, id)
	}
	for _, id := range removed {
		m.recordGrant(ctx, audit.ActionPermissionRevoked, roleID, id)
	}
	return added, removed, nil
}

func (m *Manager) recordGrant(ctx context.Context, action audit.Action, roleID, permissionID int64) {
	entry := audit.NewEntry(ctx, action)
	entry.RoleID = audit.Int64(roleID)
	entry.PermissionID = audit.Int64(permissionID)
	m.record(ctx, entry)
}

// User assignments

// AssignUserRole gives userID a secondary role. Assigning an active pair
// again succeeds without change.
func (m *Manager) AssignUserRole(ctx context.Context, userID, roleID int64) (err error) {
	ctx, span := startSpan(ctx, "AssignUserRole",
		attribute.Int64("user.id", userID),
		attribute.Int64("role.id", roleID),
	)
	defer func() { endSpan(span, err) }()

	actorID, err := m.checkAssignable(ctx, roleID)
	if err != nil {
		return err
	}

	changed, err := m.store.AssignUserRole(ctx, userID, roleID, actorID)
	if err != nil || !changed {
		return err
	}

	m.invalidator.Invalidate(ctx, userID)

	entry := audit.NewEntry(ctx, audit.ActionUserRoleAssigned)
	entry.TargetUserID = audit.Int64(userID)
	entry.RoleID = audit.Int64(roleID)
	m.record(ctx, entry)
	return nil
}

// RemoveUserRole removes a secondary role. Removing a missing pair succeeds
// without change.
func (m *Manager) RemoveUserRole(ctx context.Context, userID, roleID int64) (err error) {
	ctx, span := startSpan(ctx, "RemoveUserRole",
		attribute.Int64("user.id", userID),
		attribute.Int64("role.id", roleID),
	)
	defer func() { endSpan(span, err) }()

	changed, err := m.store.RemoveUserRole(ctx, userID, roleID)
	if err != nil || !changed {
		return err
	}

	m.invalidator.Invalidate(ctx, userID)

	entry := audit.NewEntry(ctx, audit.ActionUserRoleRemoved)
	entry.TargetUserID = audit.Int64(userID)
	entry.RoleID = audit.Int64(roleID)
	m.record(ctx, entry)
	return nil
}

// SetPrimaryRole sets or clears (roleID == nil) the user's primary role
func (m *Manager) SetPrimaryRole(ctx context.Context, userID int64, roleID *int64) (err error) {
	ctx, span := startSpan(ctx, "SetPrimaryRole", attribute.Int64("user.id", userID))
	defer func() { endSpan(span, err) }()

	if roleID != nil {
		if _, err = m.checkAssignable(ctx, *roleID); err != nil {
			return err
		}
	}

	previous, err := m.store.SetPrimaryRole(ctx, userID, roleID)
	if err != nil {
		return err
	}
	if sameRole(previous, roleID) {
		return nil
	}

	m.invalidator.Invalidate(ctx, userID)

	action := audit.ActionUserRoleAssigned
	recorded := roleID
	if roleID == nil {
		action = audit.ActionUserRoleRemoved
		recorded = previous
	}
	entry := audit.NewEntry(ctx, action)
	entry.TargetUserID = audit.Int64(userID)
	entry.RoleID = recorded
	entry.Details["primary"] = true
	if previous != nil {
		entry.Details["previous_role_id"] = *previous
	}
	m.record(ctx, entry)
	return nil
}

func sameRole(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// checkAssignable applies the escalation guard for the acting user, if any,
// and returns the actor's ID for assigned_by.
func (m *Manager) checkAssignable(ctx context.Context, roleID int64) (*int64, error) {
	actor, ok := audit.ActorFromContext(ctx)
	if !ok || actor.UserID == 0 {
		return nil, nil
	}
	actorID := audit.Int64(actor.UserID)
	if m.guard == nil {
		return actorID, nil
	}

	role, err := m.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if err := m.guard.CanAssignRole(ctx, actor.UserID, role); err != nil {
		return nil, err
	}
	return actorID, nil
}

// Catalog. Module and permission changes drop the whole cache.

// CreateModule creates a module
func (m *Manager) CreateModule(ctx context.Context, input ModuleInput) (module *Module, err error) {
	ctx, span := startSpan(ctx, "CreateModule", attribute.String("module.name", input.Name))
	defer func() { endSpan(span, err) }()

	module, err = m.store.CreateModule(ctx, input)
	if err != nil {
		return nil, err
	}
	m.catalogChanged(ctx, "create_module", map[string]any{"module_id": module.ID, "module": module.Name})
	return module, nil
}

// SetModuleActive activates or deactivates a module
func (m *Manager) SetModuleActive(ctx context.Context, moduleID int64, active bool) (module *Module, err error) {
	ctx, span := startSpan(ctx, "SetModuleActive",
		attribute.Int64("module.id", moduleID),
		attribute.Bool("active", active),
	)
	defer func() { endSpan(span, err) }()

	module, err = m.store.SetModuleActive(ctx, moduleID, active)
	if err != nil {
		return nil, err
	}
	m.catalogChanged(ctx, "set_module_active", map[string]any{"module_id": moduleID, "module": module.Name, "active": active})
	return module, nil
}

// CreatePermission creates a permission
func (m *Manager) CreatePermission(ctx context.Context, input PermissionInput) (perm *Permission, err error) {
	ctx, span := startSpan(ctx, "CreatePermission", attribute.String("permission.key", input.Key))
	defer func() { endSpan(span, err) }()

	perm, err = m.store.CreatePermission(ctx, input)
	if err != nil {
		return nil, err
	}
	m.catalogChanged(ctx, "create_permission", map[string]any{"permission_id": perm.ID, "key": perm.Key})
	return perm, nil
}

// SetPermissionActive activates or deactivates a permission
func (m *Manager) SetPermissionActive(ctx context.Context, permissionID int64, active bool) (perm *Permission, err error) {
	ctx, span := startSpan(ctx, "SetPermissionActive",
		attribute.Int64("permission.id", permissionID),
		attribute.Bool("active", active),
	)
	defer func() { endSpan(span, err) }()

	perm, err = m.store.SetPermissionActive(ctx, permissionID, active)
	if err != nil {
		return nil, err
	}
	m.catalogChanged(ctx, "set_permission_active", map[string]any{"permission_id": permissionID, "key": perm.Key, "active": active})
	return perm, nil
}

func (m *Manager) catalogChanged(ctx context.Context, op string, details map[string]any) {
	m.invalidator.InvalidateAll(ctx)

	entry := audit.NewEntry(ctx, audit.ActionCatalogChanged)
	entry.Details["op"] = op
	for k, v := range details {
		entry.Details[k] = v
	}
	if id, ok := details["permission_id"].(int64); ok {
		entry.PermissionID = audit.Int64(id)
	}
	m.record(ctx, entry)
}

// invalidateRoleUsers drops every user holding roleID. If the holders cannot
// be listed the whole cache is dropped instead.
func (m *Manager) invalidateRoleUsers(ctx context.Context, roleID int64) {
	ctx = context.WithoutCancel(ctx)
	users, err := m.store.UsersWithRole(ctx, roleID)
	if err != nil {
		m.log.WithError(err).WithField("role_id", roleID).Warn("Failed to list role holders, invalidating all")
		m.invalidator.InvalidateAll(ctx)
		return
	}
	m.invalidator.Invalidate(ctx, users...)
}

// record appends entry. Failures never reach the caller.
func (m *Manager) record(ctx context.Context, entry *audit.Entry) {
	if err := m.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		m.observer.AuditFailed(string(entry.Action))
		m.log.WithError(err).WithFields(logrus.Fields{
			"action":     string(entry.Action),
			"request_id": entry.RequestID,
		}).Warn("Failed to record audit entry")
	}
}
