// Package rbac provides role-based access control for the warden
// authorization service.
//
// # Overview
//
// Permissions are "module.action" keys (campaigns.read, roles.update) grouped
// into modules. Roles bundle permissions and carry a numeric level. A user
// holds at most one primary role plus any number of secondary roles; their
// effective permissions are the union over every active role.
//
// # Privilege Tiers
//
// The tier of a user is derived from their highest active level and never
// from a role name:
//
//	TierNone        no active role
//	TierStandard    level below the SuperAdmin threshold
//	TierSuperAdmin  level at or above the threshold (default 10)
//
// SuperAdmin users pass every permission and module check without grants.
//
// # Components
//
//   - Store: PostgreSQL persistence for modules, permissions, roles, grants
//     and assignments. Multi-row changes run in one transaction.
//   - Resolver: computes EffectivePermissionSet values and owns the cache.
//   - Manager: the administrative write path. Store commit, then cache
//     invalidation, then audit.
//   - Guard: hierarchy checks. An actor manages a target only with a strictly
//     higher level, and assigns only roles below its own level.
//   - PermissionMiddleware: the HTTP authorization stages.
//   - PolicyTable: optional (module, action) to key overrides loaded from YAML.
//
// # Cache Consistency
//
// A mutation returns only after the cached sets it affects are gone. A
// resolve that read the store before an invalidation never writes its result
// back. If the cache cannot be cleared the resolver bypasses it and reads the
// store until a purge succeeds.
//
// # Usage Example
//
//	store := rbac.NewStore(db)
//	resolver := rbac.NewResolver(store, rbac.NewLRUCache(0, 0))
//	manager := rbac.NewManager(store, resolver, recorder,
//		rbac.WithGuard(rbac.NewGuard(resolver)))
//
//	guards := rbac.NewPermissionMiddleware(resolver)
//	router.Handle("/campaigns/{id}",
//		guards.RequirePermission("campaigns.delete")(deleteHandler)).Methods("DELETE")
//
// # Denials
//
// Every stage fails closed. Denials are written as
//
//	{
//	  "success": false,
//	  "code": "MISSING_PERMISSION",
//	  "message": "missing permission: campaigns.delete",
//	  "details": {
//	    "userRole": "viewer",
//	    "requiredPermission": "campaigns.delete",
//	    "availableActions": ["read"]
//	  }
//	}
//
// and a store failure is reported as STORE_UNAVAILABLE without its cause.
//
// # Related Packages
//
//   - pkg/audit: records every change made through Manager
//   - pkg/middleware: authentication, which must run before any stage
//   - pkg/observability: Prometheus implementation of Observer
package rbac
