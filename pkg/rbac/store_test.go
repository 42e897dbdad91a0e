package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

func TestStore_Seed(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, 5, env.countRows(t, `SELECT COUNT(*) FROM modules`))
	assert.Equal(t, 13, env.countRows(t, `SELECT COUNT(*) FROM permissions`))
	assert.Equal(t, 4, env.countRows(t, `SELECT COUNT(*) FROM roles`))

	admin := env.role(t, "admin")
	assert.True(t, admin.IsSystemRole)
	assert.Equal(t, 13, env.countRows(t, `SELECT COUNT(*) FROM role_permissions WHERE role_id = $1`, admin.ID))

	superAdmin := env.role(t, "super_admin")
	assert.Equal(t, DefaultSuperAdminLevel, superAdmin.Level)
	assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM role_permissions WHERE role_id = $1`, superAdmin.ID))

	// Running again changes nothing
	require.NoError(t, env.store.Seed(env.ctx, DefaultCatalog()))
	assert.Equal(t, 13, env.countRows(t, `SELECT COUNT(*) FROM permissions`))
	assert.Equal(t, 4, env.countRows(t, `SELECT COUNT(*) FROM roles`))
}

func TestStore_Seed_UnknownGrant(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)

	catalog := Catalog{
		Modules: []CatalogModule{{Name: "reports", DisplayName: "Reports", Actions: []string{"read"}}},
		Roles:   []CatalogRole{{Name: "broken", DisplayName: "Broken", Level: 1, Grants: []string{"reports.delete"}}},
	}
	err := store.Seed(context.Background(), catalog)
	assert.Equal(t, apperrors.CodePermissionNotFound, apperrors.CodeOf(err))

	// The whole seed rolled back
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM modules`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestStore_CreateRole(t *testing.T) {
	env := newTestEnv(t)

	role, err := env.store.CreateRole(env.ctx, RoleInput{Name: "auditor", DisplayName: "Auditor", Level: 3})
	require.NoError(t, err)
	assert.NotZero(t, role.ID)
	assert.True(t, role.IsActive)
	assert.False(t, role.IsSystemRole)

	got, err := env.store.GetRole(env.ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "auditor", got.Name)
	assert.Equal(t, 3, got.Level)

	t.Run("duplicate name is case-insensitive", func(t *testing.T) {
		_, err := env.store.CreateRole(env.ctx, RoleInput{Name: "AUDITOR", DisplayName: "Again"})
		assert.Equal(t, apperrors.CodeDuplicateName, apperrors.CodeOf(err))
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := env.store.CreateRole(env.ctx, RoleInput{Name: "  ", DisplayName: "Blank"})
		assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
	})
}

func TestStore_UpdateRole(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.role(t, "viewer")

	before, after, err := env.store.UpdateRole(env.ctx, viewer.ID, RoleInput{Name: "reader", DisplayName: "Reader", Level: 2})
	require.NoError(t, err)
	assert.Equal(t, "viewer", before.Name)
	assert.Equal(t, "reader", after.Name)
	assert.Equal(t, 2, after.Level)
	assert.True(t, after.IsActive)

	t.Run("name taken by another role", func(t *testing.T) {
		_, _, err := env.store.UpdateRole(env.ctx, viewer.ID, RoleInput{Name: "Manager", DisplayName: "x"})
		assert.Equal(t, apperrors.CodeDuplicateName, apperrors.CodeOf(err))
	})

	t.Run("keeping its own name", func(t *testing.T) {
		_, _, err := env.store.UpdateRole(env.ctx, viewer.ID, RoleInput{Name: "READER", DisplayName: "Reader", Level: 2})
		assert.NoError(t, err)
	})

	t.Run("system role cannot be deactivated", func(t *testing.T) {
		admin := env.role(t, "admin")
		_, _, err := env.store.UpdateRole(env.ctx, admin.ID, RoleInput{
			Name: admin.Name, DisplayName: admin.DisplayName, Level: admin.Level, IsActive: boolPtr(false),
		})
		assert.Equal(t, apperrors.CodeSystemRoleProtected, apperrors.CodeOf(err))
		assert.True(t, env.role(t, "admin").IsActive)
	})

	t.Run("missing role", func(t *testing.T) {
		_, _, err := env.store.UpdateRole(env.ctx, 9999, RoleInput{Name: "ghost", DisplayName: "Ghost"})
		assert.Equal(t, apperrors.CodeRoleNotFound, apperrors.CodeOf(err))
	})
}

func TestStore_ListRoles(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.store.DeleteRole(env.ctx, env.role(t, "viewer").ID, false)
	require.NoError(t, err)

	all, err := env.store.ListRoles(env.ctx, RoleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "super_admin", all[0].Name, "ordered by level")

	active, err := env.store.ListRoles(env.ctx, RoleFilter{Active: boolPtr(true)})
	require.NoError(t, err)
	assert.Len(t, active, 3)

	found, err := env.store.ListRoles(env.ctx, RoleFilter{Search: "MANA"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "manager", found[0].Name)
}

func TestStore_DeleteRole(t *testing.T) {
	t.Run("system role refused in both modes", func(t *testing.T) {
		env := newTestEnv(t)
		admin := env.role(t, "admin")

		for _, hard := range []bool{false, true} {
			_, _, err := env.store.DeleteRole(env.ctx, admin.ID, hard)
			assert.Equal(t, apperrors.CodeSystemRoleProtected, apperrors.CodeOf(err))
		}
		after := env.role(t, "admin")
		assert.True(t, after.IsActive)
		assert.Equal(t, admin.UpdatedAt, after.UpdatedAt)
	})

	t.Run("soft delete reports holders", func(t *testing.T) {
		env := newTestEnv(t)
		manager := env.role(t, "manager")
		u1 := env.createUser(t, "u1", &manager.ID)

		role, affected, err := env.store.DeleteRole(env.ctx, manager.ID, false)
		require.NoError(t, err)
		assert.Equal(t, "manager", role.Name)
		assert.Equal(t, []int64{u1}, affected)
		assert.False(t, env.role(t, "manager").IsActive)
	})

	t.Run("hard delete refused while referenced", func(t *testing.T) {
		env := newTestEnv(t)
		manager := env.role(t, "manager")
		viewer := env.role(t, "viewer")

		env.createUser(t, "primary", &manager.ID)
		u2 := env.createUser(t, "secondary", nil)
		_, err := env.store.AssignUserRole(env.ctx, u2, viewer.ID, nil)
		require.NoError(t, err)
		_, err = env.store.RemoveUserRole(env.ctx, u2, viewer.ID)
		require.NoError(t, err)
		_, err = env.store.AssignUserRole(env.ctx, u2, viewer.ID, nil)
		require.NoError(t, err)

		_, _, err = env.store.DeleteRole(env.ctx, manager.ID, true)
		assert.Equal(t, apperrors.CodeRoleInUse, apperrors.CodeOf(err))
		_, _, err = env.store.DeleteRole(env.ctx, viewer.ID, true)
		assert.Equal(t, apperrors.CodeRoleInUse, apperrors.CodeOf(err))
	})

	t.Run("inactive assignment still blocks hard delete", func(t *testing.T) {
		env := newTestEnv(t)
		viewer := env.role(t, "viewer")
		u := env.createUser(t, "u", nil)
		_, err := env.db.Exec(`INSERT INTO user_roles (user_id, role_id, is_active) VALUES ($1, $2, 0)`, u, viewer.ID)
		require.NoError(t, err)

		_, _, err = env.store.DeleteRole(env.ctx, viewer.ID, true)
		assert.Equal(t, apperrors.CodeRoleInUse, apperrors.CodeOf(err))
	})

	t.Run("hard delete cascades grants", func(t *testing.T) {
		env := newTestEnv(t)
		viewer := env.role(t, "viewer")
		require.Equal(t, 2, env.countRows(t, `SELECT COUNT(*) FROM role_permissions WHERE role_id = $1`, viewer.ID))

		_, affected, err := env.store.DeleteRole(env.ctx, viewer.ID, true)
		require.NoError(t, err)
		assert.Empty(t, affected)

		_, err = env.store.GetRole(env.ctx, viewer.ID)
		assert.Equal(t, apperrors.CodeRoleNotFound, apperrors.CodeOf(err))
		assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM role_permissions WHERE role_id = $1`, viewer.ID))
	})

	t.Run("missing role", func(t *testing.T) {
		env := newTestEnv(t)
		_, _, err := env.store.DeleteRole(env.ctx, 9999, true)
		assert.Equal(t, apperrors.CodeRoleNotFound, apperrors.CodeOf(err))
	})
}

func TestStore_Grants(t *testing.T) {
	env := newTestEnv(t)
	manager := env.role(t, "manager")
	del := env.permissionID(t, "campaigns.delete")
	read := env.permissionID(t, "campaigns.read")
	count := func() int {
		return env.countRows(t, `SELECT COUNT(*) FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, manager.ID, del)
	}

	t.Run("grant is idempotent", func(t *testing.T) {
		granted, err := env.store.GrantPermissions(env.ctx, manager.ID, del)
		require.NoError(t, err)
		assert.Equal(t, []int64{del}, granted)

		granted, err = env.store.GrantPermissions(env.ctx, manager.ID, del)
		require.NoError(t, err)
		assert.Empty(t, granted)
		assert.Equal(t, 1, count())
	})

	t.Run("revoke", func(t *testing.T) {
		changed, err := env.store.RevokePermission(env.ctx, manager.ID, del)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 0, count())
	})

	t.Run("revoke of never granted pair is a no-op", func(t *testing.T) {
		changed, err := env.store.RevokePermission(env.ctx, manager.ID, del)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("bulk grant is all or nothing", func(t *testing.T) {
		_, err := env.store.GrantPermissions(env.ctx, manager.ID, del, 9999)
		assert.Equal(t, apperrors.CodePermissionNotFound, apperrors.CodeOf(err))
		assert.Equal(t, 0, count())
	})

	t.Run("grant to missing role", func(t *testing.T) {
		_, err := env.store.GrantPermissions(env.ctx, 9999, read)
		assert.Equal(t, apperrors.CodeRoleNotFound, apperrors.CodeOf(err))
	})

	t.Run("set replaces grants", func(t *testing.T) {
		viewer := env.role(t, "viewer")
		reportsRead := env.permissionID(t, "reports.read")

		added, removed, err := env.store.SetRolePermissions(env.ctx, viewer.ID, []int64{reportsRead, del, del})
		require.NoError(t, err)
		assert.Equal(t, []int64{del}, added)
		assert.Equal(t, []int64{read}, removed)

		perms, err := env.store.GetRolePermissions(env.ctx, viewer.ID)
		require.NoError(t, err)
		keys := make([]string, 0, len(perms))
		for _, p := range perms {
			keys = append(keys, p.Key)
		}
		assert.ElementsMatch(t, []string{"reports.read", "campaigns.delete"}, keys)

		_, _, err = env.store.SetRolePermissions(env.ctx, viewer.ID, []int64{9999})
		assert.Equal(t, apperrors.CodePermissionNotFound, apperrors.CodeOf(err))
		perms, err = env.store.GetRolePermissions(env.ctx, viewer.ID)
		require.NoError(t, err)
		assert.Len(t, perms, 2, "failed replace leaves grants untouched")
	})
}

func TestStore_UserRoles(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.role(t, "viewer")
	manager := env.role(t, "manager")
	admin := env.createUser(t, "admin", nil)
	u := env.createUser(t, "u", &viewer.ID)

	changed, err := env.store.AssignUserRole(env.ctx, u, manager.ID, &admin)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = env.store.AssignUserRole(env.ctx, u, manager.ID, &admin)
	require.NoError(t, err)
	assert.False(t, changed, "re-assigning is a no-op")
	assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM user_roles WHERE user_id = $1`, u))

	assignments, err := env.store.GetUserRoleAssignments(env.ctx, u)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "manager", assignments[0].RoleName)
	require.NotNil(t, assignments[0].AssignedBy)
	assert.Equal(t, admin, *assignments[0].AssignedBy)

	roles, err := env.store.ActiveRolesForUser(env.ctx, u)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "manager", roles[0].Name)
	assert.Equal(t, "viewer", roles[1].Name)

	t.Run("inactive assignment is reactivated", func(t *testing.T) {
		_, err := env.db.Exec(`UPDATE user_roles SET is_active = 0 WHERE user_id = $1`, u)
		require.NoError(t, err)
		roles, err := env.store.ActiveRolesForUser(env.ctx, u)
		require.NoError(t, err)
		assert.Len(t, roles, 1)

		changed, err := env.store.AssignUserRole(env.ctx, u, manager.ID, nil)
		require.NoError(t, err)
		assert.True(t, changed)
		roles, err = env.store.ActiveRolesForUser(env.ctx, u)
		require.NoError(t, err)
		assert.Len(t, roles, 2)
	})

	t.Run("remove and remove again", func(t *testing.T) {
		changed, err := env.store.RemoveUserRole(env.ctx, u, manager.ID)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = env.store.RemoveUserRole(env.ctx, u, manager.ID)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := env.store.AssignUserRole(env.ctx, 9999, manager.ID, nil)
		assert.Equal(t, apperrors.CodeUserNotFound, apperrors.CodeOf(err))
		_, err = env.store.GetUserRoleAssignments(env.ctx, 9999)
		assert.Equal(t, apperrors.CodeUserNotFound, apperrors.CodeOf(err))
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := env.store.AssignUserRole(env.ctx, u, 9999, nil)
		assert.Equal(t, apperrors.CodeRoleNotFound, apperrors.CodeOf(err))
	})

	t.Run("primary role", func(t *testing.T) {
		previous, err := env.store.SetPrimaryRole(env.ctx, u, &manager.ID)
		require.NoError(t, err)
		require.NotNil(t, previous)
		assert.Equal(t, viewer.ID, *previous)

		previous, err = env.store.SetPrimaryRole(env.ctx, u, nil)
		require.NoError(t, err)
		assert.Equal(t, manager.ID, *previous)

		roles, err := env.store.ActiveRolesForUser(env.ctx, u)
		require.NoError(t, err)
		assert.Empty(t, roles)

		_, err = env.store.SetPrimaryRole(env.ctx, 9999, nil)
		assert.Equal(t, apperrors.CodeUserNotFound, apperrors.CodeOf(err))
		_, err = env.store.SetPrimaryRole(env.ctx, u, int64Ptr(9999))
		assert.Equal(t, apperrors.CodeRoleNotFound, apperrors.CodeOf(err))
	})
}

func TestStore_ActiveRolesForUser_SkipsInactiveRoles(t *testing.T) {
	env := newTestEnv(t)
	manager := env.role(t, "manager")
	u := env.createUser(t, "u", &manager.ID)

	_, _, err := env.store.DeleteRole(env.ctx, manager.ID, false)
	require.NoError(t, err)

	roles, err := env.store.ActiveRolesForUser(env.ctx, u)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestStore_PermissionsForRoles(t *testing.T) {
	env := newTestEnv(t)
	manager := env.role(t, "manager")
	viewer := env.role(t, "viewer")

	perms, err := env.store.PermissionsForRoles(env.ctx, []int64{manager.ID, viewer.ID})
	require.NoError(t, err)
	assert.Len(t, perms, 6, "distinct across roles")

	_, err = env.store.SetModuleActive(env.ctx, env.moduleID(t, "reports"), false)
	require.NoError(t, err)
	_, err = env.store.SetPermissionActive(env.ctx, env.permissionID(t, "campaigns.create"), false)
	require.NoError(t, err)

	perms, err = env.store.PermissionsForRoles(env.ctx, []int64{manager.ID})
	require.NoError(t, err)
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key)
		assert.NotEmpty(t, p.ModuleName)
	}
	assert.ElementsMatch(t, []string{"campaigns.read", "campaigns.update", "users.read"}, keys)

	perms, err = env.store.PermissionsForRoles(env.ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestStore_Catalog(t *testing.T) {
	env := newTestEnv(t)

	module, err := env.store.CreateModule(env.ctx, ModuleInput{Name: "billing", DisplayName: "Billing", OrderIndex: 9})
	require.NoError(t, err)
	_, err = env.store.CreateModule(env.ctx, ModuleInput{Name: "Billing", DisplayName: "Again"})
	assert.Equal(t, apperrors.CodeDuplicateName, apperrors.CodeOf(err))

	perm, err := env.store.CreatePermission(env.ctx, PermissionInput{Key: "billing.read", ModuleID: module.ID, DisplayName: "Read billing"})
	require.NoError(t, err)
	assert.Equal(t, "billing", perm.ModuleName)

	_, err = env.store.CreatePermission(env.ctx, PermissionInput{Key: "BILLING.READ", ModuleID: module.ID, DisplayName: "dup"})
	assert.Equal(t, apperrors.CodeDuplicateName, apperrors.CodeOf(err))
	_, err = env.store.CreatePermission(env.ctx, PermissionInput{Key: "x.read", ModuleID: 9999, DisplayName: "x"})
	assert.Equal(t, apperrors.CodeModuleNotFound, apperrors.CodeOf(err))

	modules, err := env.store.ListModules(env.ctx)
	require.NoError(t, err)
	assert.Len(t, modules, 6)
	assert.Equal(t, "billing", modules[len(modules)-1].Name)

	perms, err := env.store.ListPermissions(env.ctx, PermissionFilter{ModuleName: "billing"})
	require.NoError(t, err)
	require.Len(t, perms, 1)

	perms, err = env.store.ListPermissions(env.ctx, PermissionFilter{ModuleID: &module.ID, Active: boolPtr(false)})
	require.NoError(t, err)
	assert.Empty(t, perms)

	got, err := env.store.SetPermissionActive(env.ctx, perm.ID, false)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	_, err = env.store.SetModuleActive(env.ctx, 9999, false)
	assert.Equal(t, apperrors.CodeModuleNotFound, apperrors.CodeOf(err))
	_, err = env.store.SetPermissionActive(env.ctx, 9999, false)
	assert.Equal(t, apperrors.CodePermissionNotFound, apperrors.CodeOf(err))
}

func TestStore_Unavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM roles r").WillReturnError(errors.New("connection reset"))
	_, err = store.ActiveRolesForUser(ctx, 1)
	assert.Equal(t, apperrors.CodeStoreUnavailable, apperrors.CodeOf(err))

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	_, err = store.GrantPermissions(ctx, 1, 2)
	assert.Equal(t, apperrors.CodeStoreUnavailable, apperrors.CodeOf(err))

	mock.ExpectExec("DELETE FROM role_permissions").WillReturnError(errors.New("timeout"))
	_, err = store.RevokePermission(ctx, 1, 2)
	assert.Equal(t, apperrors.CodeStoreUnavailable, apperrors.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, WithQueryTimeout(20*time.Millisecond))
	mock.ExpectQuery("SELECT (.+) FROM roles").WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.GetRole(context.Background(), 1)
	assert.Equal(t, apperrors.CodeStoreUnavailable, apperrors.CodeOf(err))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1", placeholders(1, 1))
	assert.Equal(t, "$3, $4, $5", placeholders(3, 3))
	assert.Equal(t, "", placeholders(1, 0))
}
