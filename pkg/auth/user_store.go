package auth

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

// UserStore loads user records
type UserStore interface {
	GetUser(ctx context.Context, userID int64) (*User, error)
}

// SQLUserStore reads the users table
type SQLUserStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLUserStore creates a user store over db
func NewSQLUserStore(db *sql.DB, timeout time.Duration) *SQLUserStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SQLUserStore{db: db, timeout: timeout}
}

// GetUser loads a user by ID
func (s *SQLUserStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, username, email, role_id, is_active, two_factor_enabled, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var (
		user   User
		email  sql.NullString
		roleID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Username,
		&email,
		&roleID,
		&user.IsActive,
		&user.TwoFactorEnabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeUserNotFound, "user not found: %d", userID)
	}
	if err != nil {
		return nil, apperrors.Unavailable("failed to load user", err)
	}

	if email.Valid {
		user.Email = email.String
	}
	if roleID.Valid {
		id := roleID.Int64
		user.RoleID = &id
	}
	return &user, nil
}
