package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RoleReader is the read side the resolver depends on
type RoleReader interface {
	// ActiveRolesForUser returns the active roles a user holds through the
	// primary role reference and active secondary assignments.
	ActiveRolesForUser(ctx context.Context, userID int64) ([]Role, error)

	// PermissionsForRoles returns the active permissions on active modules
	// granted to any of the roles.
	PermissionsForRoles(ctx context.Context, roleIDs []int64) ([]Permission, error)
}

// Store handles RBAC data persistence
type Store struct {
	db        *sql.DB
	timeout   time.Duration
	txTimeout time.Duration
	now       func() time.Time
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithQueryTimeout bounds every single-statement call
func WithQueryTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.timeout = d }
}

// WithTxTimeout bounds every multi-statement transaction
func WithTxTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.txTimeout = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:        db,
		timeout:   2 * time.Second,
		txTimeout: 5 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// inTx runs fn in a single transaction bounded by the tx timeout
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Unavailable("begin transaction", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Unavailable("commit transaction", err)
	}
	return nil
}

// storeErr maps driver errors onto the error taxonomy. Domain errors pass
// through unchanged.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if isUniqueViolation(err) {
		return apperrors.Wrap(apperrors.CodeDuplicateName, op+": duplicate name", err)
	}
	return apperrors.Unavailable(op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "$start, $start+1, ..." for n arguments
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

const roleColumns = `id, name, display_name, description, level, is_system_role, is_active, created_at, updated_at`

// scanRole scans a role from a database row
func scanRole(scanner interface{ Scan(dest ...any) error }) (*Role, error) {
	var role Role
	err := scanner.Scan(
		&role.ID,
		&role.Name,
		&role.DisplayName,
		&role.Description,
		&role.Level,
		&role.IsSystemRole,
		&role.IsActive,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &role, nil
}

const permissionColumns = `p.id, p.key, p.module_id, m.name, p.display_name, p.is_active, p.created_at, p.updated_at`

func scanPermission(scanner interface{ Scan(dest ...any) error }) (*Permission, error) {
	var p Permission
	err := scanner.Scan(
		&p.ID,
		&p.Key,
		&p.ModuleID,
		&p.ModuleName,
		&p.DisplayName,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Resolver reads

// ActiveRolesForUser returns the union of the user's active primary role and
// active secondary assignments, highest level first.
func (s *Store) ActiveRolesForUser(ctx context.Context, userID int64) ([]Role, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + roleColumns + `
		FROM roles r
		WHERE r.is_active = TRUE
		  AND (
			r.id IN (SELECT u.role_id FROM users u WHERE u.id = $1 AND u.role_id IS NOT NULL)
			OR r.id IN (SELECT ur.role_id FROM user_roles ur WHERE ur.user_id = $1 AND ur.is_active = TRUE)
		  )
		ORDER BY r.level DESC, r.name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Unavailable("failed to load user roles", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, apperrors.Unavailable("failed to scan role", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Unavailable("failed to load user roles", err)
	}
	return roles, nil
}

// PermissionsForRoles returns distinct active permissions on active modules
// granted to any of roleIDs.
func (s *Store) PermissionsForRoles(ctx context.Context, roleIDs []int64) ([]Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := make([]any, len(roleIDs))
	for i, id := range roleIDs {
		args[i] = id
	}

	query := `
		SELECT DISTINCT ` + permissionColumns + `
		FROM permissions p
		JOIN modules m ON m.id = p.module_id
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id IN (` + placeholders(1, len(roleIDs)) + `)
		  AND p.is_active = TRUE
		  AND m.is_active = TRUE
		ORDER BY p.key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Unavailable("failed to load role permissions", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, apperrors.Unavailable("failed to scan permission", err)
		}
		perms = append(perms, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Unavailable("failed to load role permissions", err)
	}
	return perms, nil
}

// Roles

// ListRoles lists roles matching filter
func (s *Store) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + roleColumns + ` FROM roles WHERE 1 = 1`
	var args []any
	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += fmt.Sprintf(" AND is_active = $%d", len(args))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+strings.ToLower(search)+"%")
		query += fmt.Sprintf(" AND (LOWER(name) LIKE $%d OR LOWER(display_name) LIKE $%d)", len(args), len(args))
	}
	query += " ORDER BY level DESC, name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("failed to list roles", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, storeErr("failed to scan role", err)
		}
		roles = append(roles, *role)
	}
	return roles, storeErr("failed to list roles", rows.Err())
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return getRole(ctx, s.db, roleID)
}

func getRole(ctx context.Context, q querier, roleID int64) (*Role, error) {
	row := q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, roleID)
	role, err := scanRole(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeRoleNotFound, "role not found: %d", roleID)
	}
	if err != nil {
		return nil, storeErr("failed to get role", err)
	}
	return role, nil
}

// GetRoleByName retrieves a role by name (case-insensitive)
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE LOWER(name) = LOWER($1)`, strings.TrimSpace(name))
	role, err := scanRole(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeRoleNotFound, "role not found: %s", name)
	}
	if err != nil {
		return nil, storeErr("failed to get role", err)
	}
	return role, nil
}

// ensureRoleNameFree fails with DUPLICATE_NAME if another role uses name
func ensureRoleNameFree(ctx context.Context, q querier, name string, excludeID int64) error {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM roles WHERE LOWER(name) = LOWER($1) AND id <> $2`,
		name, excludeID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return storeErr("failed to check role name", err)
	}
	return apperrors.WithMetadata(apperrors.CodeDuplicateName,
		fmt.Sprintf("role name already exists: %s", name),
		map[string]string{"name": name})
}

// CreateRole creates a new role. System roles are only created by Seed.
func (s *Store) CreateRole(ctx context.Context, input RoleInput) (*Role, error) {
	return s.createRole(ctx, input, false)
}

func (s *Store) createRole(ctx context.Context, input RoleInput, system bool) (*Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "role name is required")
	}
	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}

	var role *Role
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureRoleNameFree(ctx, tx, name, 0); err != nil {
			return err
		}

		now := s.now()
		role = &Role{
			Name:         name,
			DisplayName:  strings.TrimSpace(input.DisplayName),
			Description:  strings.TrimSpace(input.Description),
			Level:        input.Level,
			IsSystemRole: system,
			IsActive:     active,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		query := `
			INSERT INTO roles (name, display_name, description, level, is_system_role, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`
		err := tx.QueryRowContext(ctx, query,
			role.Name,
			role.DisplayName,
			role.Description,
			role.Level,
			role.IsSystemRole,
			role.IsActive,
			now,
			now,
		).Scan(&role.ID)
		return storeErr("failed to create role", err)
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole updates an existing role and returns the previous and new rows
func (s *Store) UpdateRole(ctx context.Context, roleID int64, input RoleInput) (before, after *Role, err error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, nil, apperrors.New(apperrors.CodeInvalidArgument, "role name is required")
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if err := ensureRoleNameFree(ctx, tx, name, roleID); err != nil {
			return err
		}

		updated := *existing
		updated.Name = name
		updated.DisplayName = strings.TrimSpace(input.DisplayName)
		updated.Description = strings.TrimSpace(input.Description)
		updated.Level = input.Level
		if input.IsActive != nil {
			updated.IsActive = *input.IsActive
		}
		if existing.IsSystemRole && !updated.IsActive {
			return apperrors.Newf(apperrors.CodeSystemRoleProtected, "system role %s cannot be deactivated", existing.Name)
		}
		updated.UpdatedAt = s.now()

		query := `
			UPDATE roles
			SET name = $1, display_name = $2, description = $3, level = $4, is_active = $5, updated_at = $6
			WHERE id = $7
		`
		if _, err := tx.ExecContext(ctx, query,
			updated.Name,
			updated.DisplayName,
			updated.Description,
			updated.Level,
			updated.IsActive,
			updated.UpdatedAt,
			roleID,
		); err != nil {
			return storeErr("failed to update role", err)
		}

		before, after = existing, &updated
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// DeleteRole soft-deletes (hard=false) or removes (hard=true) a role. System
// roles are refused in both modes; hard deletion is refused while any user
// references the role through the primary role or a secondary assignment.
// It returns the deleted role and the users that referenced it.
func (s *Store) DeleteRole(ctx context.Context, roleID int64, hard bool) (*Role, []int64, error) {
	var (
		role     *Role
		affected []int64
	)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		role, err = getRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystemRole {
			return apperrors.WithMetadata(apperrors.CodeSystemRoleProtected,
				fmt.Sprintf("cannot delete system role %s", role.Name),
				map[string]string{"role": role.Name})
		}

		affected, err = usersWithRole(ctx, tx, roleID)
		if err != nil {
			return err
		}

		if !hard {
			_, err := tx.ExecContext(ctx,
				`UPDATE roles SET is_active = FALSE, updated_at = $1 WHERE id = $2`,
				s.now(), roleID,
			)
			return storeErr("failed to deactivate role", err)
		}

		if len(affected) > 0 {
			return apperrors.WithMetadata(apperrors.CodeRoleInUse,
				fmt.Sprintf("role %s is referenced by %d user(s)", role.Name, len(affected)),
				map[string]string{"role": role.Name, "users": fmt.Sprint(len(affected))})
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return storeErr("failed to delete role permissions", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID); err != nil {
			return storeErr("failed to delete role", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return role, affected, nil
}

// UsersWithRole returns every user referencing roleID through the primary
// role or any secondary assignment, active or not.
func (s *Store) UsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return usersWithRole(ctx, s.db, roleID)
}

func usersWithRole(ctx context.Context, q querier, roleID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM users WHERE role_id = $1
		UNION
		SELECT user_id FROM user_roles WHERE role_id = $1
	`, roleID)
	if err != nil {
		return nil, storeErr("failed to list role users", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("failed to scan user id", err)
		}
		ids = append(ids, id)
	}
	return ids, storeErr("failed to list role users", rows.Err())
}

// Modules and permissions

const moduleColumns = `id, name, display_name, order_index, is_active, created_at, updated_at`

func scanModule(scanner interface{ Scan(dest ...any) error }) (*Module, error) {
	var m Module
	if err := scanner.Scan(&m.ID, &m.Name, &m.DisplayName, &m.OrderIndex, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListModules lists all modules in display order
func (s *Store) ListModules(ctx context.Context) ([]Module, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+moduleColumns+` FROM modules ORDER BY order_index ASC, name ASC`)
	if err != nil {
		return nil, storeErr("failed to list modules", err)
	}
	defer rows.Close()

	modules := []Module{}
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, storeErr("failed to scan module", err)
		}
		modules = append(modules, *m)
	}
	return modules, storeErr("failed to list modules", rows.Err())
}

func getModule(ctx context.Context, q querier, moduleID int64) (*Module, error) {
	m, err := scanModule(q.QueryRowContext(ctx, `SELECT `+moduleColumns+` FROM modules WHERE id = $1`, moduleID))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeModuleNotFound, "module not found: %d", moduleID)
	}
	if err != nil {
		return nil, storeErr("failed to get module", err)
	}
	return m, nil
}

// CreateModule creates a module; names are unique case-insensitively
func (s *Store) CreateModule(ctx context.Context, input ModuleInput) (*Module, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "module name is required")
	}

	var module *Module
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM modules WHERE LOWER(name) = LOWER($1)`, name).Scan(&id)
		if err == nil {
			return apperrors.Newf(apperrors.CodeDuplicateName, "module name already exists: %s", name)
		}
		if err != sql.ErrNoRows {
			return storeErr("failed to check module name", err)
		}

		now := s.now()
		module = &Module{
			Name:        name,
			DisplayName: strings.TrimSpace(input.DisplayName),
			OrderIndex:  input.OrderIndex,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO modules (name, display_name, order_index, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, module.Name, module.DisplayName, module.OrderIndex, module.IsActive, now, now).Scan(&module.ID)
		return storeErr("failed to create module", err)
	})
	if err != nil {
		return nil, err
	}
	return module, nil
}

// SetModuleActive toggles a module's active flag
func (s *Store) SetModuleActive(ctx context.Context, moduleID int64, active bool) (*Module, error) {
	var module *Module
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := getModule(ctx, tx, moduleID)
		if err != nil {
			return err
		}
		m.IsActive = active
		m.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE modules SET is_active = $1, updated_at = $2 WHERE id = $3`, active, m.UpdatedAt, moduleID); err != nil {
			return storeErr("failed to update module", err)
		}
		module = m
		return nil
	})
	return module, err
}

// ListPermissions lists permissions matching filter
func (s *Store) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + permissionColumns + ` FROM permissions p JOIN modules m ON m.id = p.module_id WHERE 1 = 1`
	var args []any
	if filter.ModuleID != nil {
		args = append(args, *filter.ModuleID)
		query += fmt.Sprintf(" AND p.module_id = $%d", len(args))
	}
	if filter.ModuleName != "" {
		args = append(args, filter.ModuleName)
		query += fmt.Sprintf(" AND LOWER(m.name) = LOWER($%d)", len(args))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		query += fmt.Sprintf(" AND p.is_active = $%d", len(args))
	}
	query += " ORDER BY m.order_index ASC, p.key ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("failed to list permissions", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, storeErr("failed to scan permission", err)
		}
		perms = append(perms, *p)
	}
	return perms, storeErr("failed to list permissions", rows.Err())
}

// GetPermission retrieves a permission by ID
func (s *Store) GetPermission(ctx context.Context, permissionID int64) (*Permission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return getPermission(ctx, s.db, permissionID)
}

func getPermission(ctx context.Context, q querier, permissionID int64) (*Permission, error) {
	row := q.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions p JOIN modules m ON m.id = p.module_id WHERE p.id = $1`, permissionID)
	p, err := scanPermission(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodePermissionNotFound, "permission not found: %d", permissionID)
	}
	if err != nil {
		return nil, storeErr("failed to get permission", err)
	}
	return p, nil
}

// CreatePermission creates a permission owned by an existing module
func (s *Store) CreatePermission(ctx context.Context, input PermissionInput) (*Permission, error) {
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "permission key is required")
	}

	var perm *Permission
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		module, err := getModule(ctx, tx, input.ModuleID)
		if err != nil {
			return err
		}

		var id int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM permissions WHERE LOWER(key) = LOWER($1)`, key).Scan(&id)
		if err == nil {
			return apperrors.WithMetadata(apperrors.CodeDuplicateName,
				fmt.Sprintf("permission key already exists: %s", key),
				map[string]string{"key": key})
		}
		if err != sql.ErrNoRows {
			return storeErr("failed to check permission key", err)
		}

		now := s.now()
		perm = &Permission{
			Key:         key,
			ModuleID:    module.ID,
			ModuleName:  module.Name,
			DisplayName: strings.TrimSpace(input.DisplayName),
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO permissions (key, module_id, display_name, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, perm.Key, perm.ModuleID, perm.DisplayName, perm.IsActive, now, now).Scan(&perm.ID)
		return storeErr("failed to create permission", err)
	})
	if err != nil {
		return nil, err
	}
	return perm, nil
}

// SetPermissionActive toggles a permission's active flag
func (s *Store) SetPermissionActive(ctx context.Context, permissionID int64, active bool) (*Permission, error) {
	var perm *Permission
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getPermission(ctx, tx, permissionID)
		if err != nil {
			return err
		}
		p.IsActive = active
		p.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE permissions SET is_active = $1, updated_at = $2 WHERE id = $3`, active, p.UpdatedAt, permissionID); err != nil {
			return storeErr("failed to update permission", err)
		}
		perm = p
		return nil
	})
	return perm, err
}

// Role permissions

// GetRolePermissions returns every permission granted to a role, including
// inactive ones.
func (s *Store) GetRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := getRole(ctx, s.db, roleID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+permissionColumns+`
		FROM permissions p
		JOIN modules m ON m.id = p.module_id
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY m.order_index ASC, p.key ASC
	`, roleID)
	if err != nil {
		return nil, storeErr("failed to get role permissions", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, storeErr("failed to scan permission", err)
		}
		perms = append(perms, *p)
	}
	return perms, storeErr("failed to get role permissions", rows.Err())
}

// GrantPermissions grants every permission in permissionIDs to a role in one
// transaction. Existing pairs are left untouched. It returns the IDs that
// were newly granted.
func (s *Store) GrantPermissions(ctx context.Context, roleID int64, permissionIDs ...int64) ([]int64, error) {
	var granted []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRole(ctx, tx, roleID); err != nil {
			return err
		}
		now := s.now()
		for _, permissionID := range dedupe(permissionIDs) {
			if _, err := getPermission(ctx, tx, permissionID); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO role_permissions (role_id, permission_id, created_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (role_id, permission_id) DO NOTHING
			`, roleID, permissionID, now)
			if err != nil {
				return storeErr("failed to grant permission", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				granted = append(granted, permissionID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// RevokePermission removes a grant. Revoking a pair that does not exist is a
// successful no-op; changed reports whether a row was removed.
func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID int64) (changed bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID,
	)
	if err != nil {
		return false, storeErr("failed to revoke permission", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetRolePermissions replaces a role's grants with permissionIDs in one
// transaction and returns what was added and removed.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (added, removed []int64, err error) {
	want := make(map[int64]bool)
	for _, id := range permissionIDs {
		want[id] = true
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRole(ctx, tx, roleID); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
		if err != nil {
			return storeErr("failed to read role permissions", err)
		}
		have := make(map[int64]bool)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return storeErr("failed to scan permission id", err)
			}
			have[id] = true
		}
		rows.Close()

		now := s.now()
		for _, id := range dedupe(permissionIDs) {
			if have[id] {
				continue
			}
			if _, err := getPermission(ctx, tx, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, $3)`,
				roleID, id, now,
			); err != nil {
				return storeErr("failed to grant permission", err)
			}
			added = append(added, id)
		}
		for id := range have {
			if want[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
				roleID, id,
			); err != nil {
				return storeErr("failed to revoke permission", err)
			}
			removed = append(removed, id)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

// User role assignments

func ensureUserExists(ctx context.Context, q querier, userID int64) error {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return apperrors.Newf(apperrors.CodeUserNotFound, "user not found: %d", userID)
	}
	return storeErr("failed to get user", err)
}

// AssignUserRole assigns a secondary role. Re-assigning an active pair is a
// no-op; an inactive pair is reactivated. changed reports whether a row was
// written.
func (s *Store) AssignUserRole(ctx context.Context, userID, roleID int64, assignedBy *int64) (changed bool, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUserExists(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := getRole(ctx, tx, roleID); err != nil {
			return err
		}

		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id, is_active, assigned_by, assigned_at)
			VALUES ($1, $2, TRUE, $3, $4)
			ON CONFLICT (user_id, role_id) DO UPDATE
			SET is_active = TRUE, assigned_by = excluded.assigned_by, assigned_at = excluded.assigned_at
			WHERE user_roles.is_active = FALSE
		`, userID, roleID, assignedBy, now)
		if err != nil {
			return storeErr("failed to assign role", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, err
}

// RemoveUserRole removes a secondary assignment. Removing a pair that does not
// exist is a successful no-op.
func (s *Store) RemoveUserRole(ctx context.Context, userID, roleID int64) (changed bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, storeErr("failed to remove role", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetPrimaryRole sets or clears (roleID == nil) the user's primary role and
// returns the previous value.
func (s *Store) SetPrimaryRole(ctx context.Context, userID int64, roleID *int64) (previous *int64, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var prev sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT role_id FROM users WHERE id = $1`, userID).Scan(&prev)
		if err == sql.ErrNoRows {
			return apperrors.Newf(apperrors.CodeUserNotFound, "user not found: %d", userID)
		}
		if err != nil {
			return storeErr("failed to get user", err)
		}
		if prev.Valid {
			p := prev.Int64
			previous = &p
		}

		if roleID != nil {
			if _, err := getRole(ctx, tx, *roleID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE users SET role_id = $1, updated_at = $2 WHERE id = $3`, roleID, s.now(), userID)
		return storeErr("failed to set primary role", err)
	})
	return previous, err
}

// GetUserRoleAssignments returns the user's secondary assignments, active or not
func (s *Store) GetUserRoleAssignments(ctx context.Context, userID int64) ([]UserRoleAssignment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := ensureUserExists(ctx, s.db, userID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ur.user_id, ur.role_id, r.name, ur.is_active, ur.assigned_by, ur.assigned_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY ur.assigned_at DESC
	`, userID)
	if err != nil {
		return nil, storeErr("failed to get user roles", err)
	}
	defer rows.Close()

	assignments := []UserRoleAssignment{}
	for rows.Next() {
		var a UserRoleAssignment
		var assignedBy sql.NullInt64
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.RoleName, &a.IsActive, &assignedBy, &a.AssignedAt); err != nil {
			return nil, storeErr("failed to scan user role", err)
		}
		if assignedBy.Valid {
			ab := assignedBy.Int64
			a.AssignedBy = &ab
		}
		assignments = append(assignments, a)
	}
	return assignments, storeErr("failed to get user roles", rows.Err())
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
