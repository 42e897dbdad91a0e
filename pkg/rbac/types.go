package rbac

import (
	"sort"
	"strings"
	"time"
)

// Module groups related permissions for display
type Module struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	OrderIndex  int       `json:"order_index"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is an atomic capability owned by exactly one module
type Permission struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	ModuleID    int64     `json:"module_id"`
	ModuleName  string    `json:"module_name,omitempty"`
	DisplayName string    `json:"display_name"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a named bundle of permissions with a privilege level
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Description  string    `json:"description,omitempty"`
	Level        int       `json:"level"`
	IsSystemRole bool      `json:"is_system_role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RolePermission grants a permission to a role
type RolePermission struct {
	RoleID       int64     `json:"role_id"`
	PermissionID int64     `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserRoleAssignment is a secondary role held by a user
type UserRoleAssignment struct {
	UserID     int64     `json:"user_id"`
	RoleID     int64     `json:"role_id"`
	RoleName   string    `json:"role_name,omitempty"`
	IsActive   bool      `json:"is_active"`
	AssignedBy *int64    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Tier is the canonical privilege tier of a level. It is derived once from
// the numeric level and never from a role name.
type Tier int

const (
	TierNone Tier = iota
	TierStandard
	TierSuperAdmin
)

// String returns the tier name
func (t Tier) String() string {
	switch t {
	case TierSuperAdmin:
		return "superadmin"
	case TierStandard:
		return "standard"
	default:
		return "none"
	}
}

// DefaultSuperAdminLevel is the level at which a role bypasses permission checks
const DefaultSuperAdminLevel = 10

// TierFor returns the tier of a role level against the SuperAdmin threshold.
func TierFor(level, superAdminLevel int) Tier {
	if level >= superAdminLevel {
		return TierSuperAdmin
	}
	return TierStandard
}

// RoleFilter narrows listRoles
type RoleFilter struct {
	Active *bool
	Search string
}

// PermissionFilter narrows listPermissions
type PermissionFilter struct {
	ModuleID   *int64
	ModuleName string
	Active     *bool
}

// RoleInput carries createRole/updateRole data
type RoleInput struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	DisplayName string `json:"display_name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=1000"`
	Level       int    `json:"level" validate:"min=0,max=1000"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

// ModuleInput carries createModule data
type ModuleInput struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	DisplayName string `json:"display_name" validate:"required,max=255"`
	OrderIndex  int    `json:"order_index"`
}

// PermissionInput carries createPermission data
type PermissionInput struct {
	Key         string `json:"key" validate:"required,min=3,max=150"`
	ModuleID    int64  `json:"module_id" validate:"required,gt=0"`
	DisplayName string `json:"display_name" validate:"required,max=255"`
}

// EffectivePermissionSet is the resolved authorization state of one user.
// When All is set the user is SuperAdmin and Permissions is not enumerated.
type EffectivePermissionSet struct {
	UserID      int64             `json:"user_id"`
	All         bool              `json:"all"`
	Tier        Tier              `json:"tier"`
	Level       int               `json:"level"`
	HasRole     bool              `json:"has_role"`
	Roles       []string          `json:"roles"`
	Permissions map[string]string `json:"permissions"` // key -> module name
	ResolvedAt  time.Time         `json:"resolved_at"`
}

// Has reports whether the set grants key
func (s *EffectivePermissionSet) Has(key string) bool {
	if s == nil {
		return false
	}
	if s.All {
		return true
	}
	_, ok := s.Permissions[key]
	return ok
}

// HasModule reports whether the set grants any permission in module
func (s *EffectivePermissionSet) HasModule(module string) bool {
	if s == nil {
		return false
	}
	if s.All {
		return true
	}
	for _, m := range s.Permissions {
		if m == module {
			return true
		}
	}
	return false
}

// HasRoleName reports whether the user holds an active role with one of names
// (case-insensitive)
func (s *EffectivePermissionSet) HasRoleName(names ...string) bool {
	if s == nil {
		return false
	}
	for _, held := range s.Roles {
		for _, n := range names {
			if strings.EqualFold(held, n) {
				return true
			}
		}
	}
	return false
}

// Keys returns the granted permission keys in sorted order
func (s *EffectivePermissionSet) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.Permissions))
	for k := range s.Permissions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ModuleActions returns the actions the user holds within module, sorted.
func (s *EffectivePermissionSet) ModuleActions(module string) []string {
	if s == nil {
		return nil
	}
	actions := []string{}
	for key, m := range s.Permissions {
		if m != module {
			continue
		}
		_, action := SplitKey(key)
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// SplitKey splits "module.action" into its parts. A key without a dot is
// returned as the action with an empty module.
func SplitKey(key string) (module, action string) {
	idx := strings.LastIndex(key, ".")
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

// JoinKey builds a permission key from module and action
func JoinKey(module, action string) string {
	return module + "." + action
}
