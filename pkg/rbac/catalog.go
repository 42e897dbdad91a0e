package rbac

import (
	"context"
	"database/sql"
	"strings"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

// Catalog describes modules, permissions and roles to seed
type Catalog struct {
	Modules []CatalogModule
	Roles   []CatalogRole
}

// CatalogModule is a module and the actions it exposes
type CatalogModule struct {
	Name        string
	DisplayName string
	Actions     []string
}

// CatalogRole is a role and the permission keys granted to it. A Grants entry
// of "*" grants every catalog permission.
type CatalogRole struct {
	Name        string
	DisplayName string
	Description string
	Level       int
	System      bool
	Grants      []string
}

// DefaultCatalog is the catalog a fresh installation starts with
func DefaultCatalog() Catalog {
	return Catalog{
		Modules: []CatalogModule{
			{Name: "roles", DisplayName: "Roles", Actions: []string{"read", "create", "update", "delete"}},
			{Name: "users", DisplayName: "Users", Actions: []string{"read", "update"}},
			{Name: "audit", DisplayName: "Audit Log", Actions: []string{"read"}},
			{Name: "campaigns", DisplayName: "Campaigns", Actions: []string{"read", "create", "update", "delete"}},
			{Name: "reports", DisplayName: "Reports", Actions: []string{"read", "export"}},
		},
		Roles: []CatalogRole{
			{
				Name:        "super_admin",
				DisplayName: "Super Admin",
				Description: "Unrestricted access",
				Level:       DefaultSuperAdminLevel,
				System:      true,
			},
			{
				Name:        "admin",
				DisplayName: "Administrator",
				Description: "Manages roles, users and all business modules",
				Level:       8,
				System:      true,
				Grants:      []string{"*"},
			},
			{
				Name:        "manager",
				DisplayName: "Manager",
				Description: "Runs campaigns and reads reports",
				Level:       5,
				Grants: []string{
					"campaigns.read", "campaigns.create", "campaigns.update",
					"reports.read", "reports.export",
					"users.read",
				},
			},
			{
				Name:        "viewer",
				DisplayName: "Viewer",
				Description: "Read-only access",
				Level:       1,
				Grants:      []string{"campaigns.read", "reports.read"},
			},
		},
	}
}

// Seed creates the catalog's modules, permissions, roles and grants that do
// not exist yet. Existing rows are left untouched, so Seed can run on every
// start.
func (s *Store) Seed(ctx context.Context, catalog Catalog) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		permIDs := make(map[string]int64)
		var allKeys []string

		for i, cm := range catalog.Modules {
			moduleID, err := seedID(ctx, tx, `SELECT id FROM modules WHERE LOWER(name) = LOWER($1)`, cm.Name)
			if err != nil {
				return err
			}
			if moduleID == 0 {
				err = tx.QueryRowContext(ctx, `
					INSERT INTO modules (name, display_name, order_index, is_active, created_at, updated_at)
					VALUES ($1, $2, $3, TRUE, $4, $5)
					RETURNING id
				`, cm.Name, cm.DisplayName, i, now, now).Scan(&moduleID)
				if err != nil {
					return storeErr("failed to seed module", err)
				}
			}

			for _, action := range cm.Actions {
				key := JoinKey(cm.Name, action)
				permID, err := seedID(ctx, tx, `SELECT id FROM permissions WHERE LOWER(key) = LOWER($1)`, key)
				if err != nil {
					return err
				}
				if permID == 0 {
					err = tx.QueryRowContext(ctx, `
						INSERT INTO permissions (key, module_id, display_name, is_active, created_at, updated_at)
						VALUES ($1, $2, $3, TRUE, $4, $5)
						RETURNING id
					`, key, moduleID, displayName(cm.DisplayName, action), now, now).Scan(&permID)
					if err != nil {
						return storeErr("failed to seed permission", err)
					}
				}
				permIDs[key] = permID
				allKeys = append(allKeys, key)
			}
		}

		for _, cr := range catalog.Roles {
			roleID, err := seedID(ctx, tx, `SELECT id FROM roles WHERE LOWER(name) = LOWER($1)`, cr.Name)
			if err != nil {
				return err
			}
			if roleID != 0 {
				continue
			}
			err = tx.QueryRowContext(ctx, `
				INSERT INTO roles (name, display_name, description, level, is_system_role, is_active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
				RETURNING id
			`, cr.Name, cr.DisplayName, cr.Description, cr.Level, cr.System, now, now).Scan(&roleID)
			if err != nil {
				return storeErr("failed to seed role", err)
			}

			grants := cr.Grants
			if len(grants) == 1 && grants[0] == "*" {
				grants = allKeys
			}
			for _, key := range grants {
				permID, ok := permIDs[key]
				if !ok {
					return apperrors.Newf(apperrors.CodePermissionNotFound, "catalog role %s grants unknown permission %s", cr.Name, key)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO role_permissions (role_id, permission_id, created_at)
					VALUES ($1, $2, $3)
					ON CONFLICT (role_id, permission_id) DO NOTHING
				`, roleID, permID, now); err != nil {
					return storeErr("failed to seed grant", err)
				}
			}
		}
		return nil
	})
}

// seedID returns the id selected by query, or 0 when no row matches
func seedID(ctx context.Context, tx *sql.Tx, query string, arg any) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, query, arg).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("failed to read catalog row", err)
	}
	return id, nil
}

func displayName(module, action string) string {
	if action == "" {
		return module
	}
	return strings.ToUpper(action[:1]) + action[1:] + " " + module
}
