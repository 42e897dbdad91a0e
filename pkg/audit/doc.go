// Package audit records permission-affecting administrative actions.
//
// # Overview
//
// Every role, grant and assignment change made through rbac.Manager is
// appended to the audit trail after its transaction commits. Entries are
// never mutated or deleted.
//
// # Actions
//
// role_created, role_updated, role_deleted, permission_granted,
// permission_revoked, user_role_assigned, user_role_removed, catalog_changed
//
// # Usage Example
//
// The actor is attached once per request by the authentication middleware:
//
//	ctx = audit.WithActor(ctx, audit.ActorFromRequest(r, user.ID))
//
// Recorders stamp it onto new entries:
//
//	entry := audit.NewEntry(ctx, audit.ActionPermissionGranted)
//	entry.RoleID = audit.Int64(roleID)
//	entry.PermissionID = audit.Int64(permissionID)
//	err := recorder.Record(ctx, entry)
//
// # Recorders
//
//   - DBRecorder: permission_audit_logs table, also the Reader for queries
//   - LogRecorder: structured logrus lines
//   - MultiRecorder: fan-out to several recorders
//
// # Related Packages
//
//   - pkg/rbac: the administrative operations being recorded
//   - pkg/middleware: attaches the request actor
package audit
