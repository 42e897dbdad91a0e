package audit

import (
	"encoding/json"
	"time"
)

// Action is the kind of permission-affecting change an entry records
type Action string

const (
	ActionRoleCreated       Action = "role_created"
	ActionRoleUpdated       Action = "role_updated"
	ActionRoleDeleted       Action = "role_deleted"
	ActionPermissionGranted Action = "permission_granted"
	ActionPermissionRevoked Action = "permission_revoked"
	ActionUserRoleAssigned  Action = "user_role_assigned"
	ActionUserRoleRemoved   Action = "user_role_removed"
	ActionCatalogChanged    Action = "catalog_changed"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionRoleCreated, ActionRoleUpdated, ActionRoleDeleted,
		ActionPermissionGranted, ActionPermissionRevoked,
		ActionUserRoleAssigned, ActionUserRoleRemoved,
		ActionCatalogChanged:
		return true
	}
	return false
}

// Entry is one append-only audit record
type Entry struct {
	ID           int64          `json:"id"`
	ActorUserID  *int64         `json:"actor_user_id,omitempty"`
	Action       Action         `json:"action"`
	TargetUserID *int64         `json:"target_user_id,omitempty"`
	RoleID       *int64         `json:"role_id,omitempty"`
	PermissionID *int64         `json:"permission_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ToJSON converts the entry to JSON
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Filter narrows ListEntries
type Filter struct {
	ActorUserID  *int64
	TargetUserID *int64
	RoleID       *int64
	Action       Action
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// Default and maximum page sizes for ListEntries
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// normalize clamps the page window
func (f Filter) normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 {
	return &v
}
