package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DBRecorder appends entries to the permission_audit_logs table. The table
// is created by rbac.RunMigrations; entries are never updated or deleted.
type DBRecorder struct {
	db      *sql.DB
	timeout time.Duration
}

// NewDBRecorder creates a database-backed recorder
func NewDBRecorder(db *sql.DB) (*DBRecorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBRecorder{db: db, timeout: 2 * time.Second}, nil
}

// Record inserts entry and sets its ID
func (l *DBRecorder) Record(ctx context.Context, entry *Entry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := `
		INSERT INTO permission_audit_logs (
			actor_user_id, action, target_user_id, role_id, permission_id,
			details, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		entry.ActorUserID, string(entry.Action), entry.TargetUserID, entry.RoleID, entry.PermissionID,
		string(detailsJSON), entry.IPAddress, entry.UserAgent, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ListEntries returns entries matching filter, newest first
func (l *DBRecorder) ListEntries(ctx context.Context, filter Filter) ([]Entry, error) {
	filter = filter.normalize()

	query := `
		SELECT id, actor_user_id, action, target_user_id, role_id, permission_id,
			details, ip_address, user_agent, created_at
		FROM permission_audit_logs
		WHERE 1=1
	`
	args := []any{}
	argCount := 1

	if filter.ActorUserID != nil {
		query += fmt.Sprintf(" AND actor_user_id = $%d", argCount)
		args = append(args, *filter.ActorUserID)
		argCount++
	}
	if filter.TargetUserID != nil {
		query += fmt.Sprintf(" AND target_user_id = $%d", argCount)
		args = append(args, *filter.TargetUserID)
		argCount++
	}
	if filter.RoleID != nil {
		query += fmt.Sprintf(" AND role_id = $%d", argCount)
		args = append(args, *filter.RoleID)
		argCount++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argCount)
		args = append(args, string(filter.Action))
		argCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filter.Until)
		argCount++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e                                 Entry
			actor, target, roleID, permission sql.NullInt64
			action                            string
			detailsJSON                       []byte
		)
		err := rows.Scan(
			&e.ID, &actor, &action, &target, &roleID, &permission,
			&detailsJSON, &e.IPAddress, &e.UserAgent, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		e.Action = Action(action)
		e.ActorUserID = nullInt64(actor)
		e.TargetUserID = nullInt64(target)
		e.RoleID = nullInt64(roleID)
		e.PermissionID = nullInt64(permission)

		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return entries, nil
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return Int64(v.Int64)
}
