package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// sqliteSchema mirrors the PostgreSQL migrations closely enough for the
// store's portable SQL.
const sqliteSchema = `
	CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT,
		role_id INTEGER REFERENCES roles(id),
		is_active BOOLEAN NOT NULL DEFAULT 1,
		two_factor_enabled BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE modules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL,
		order_index INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX idx_modules_name ON modules(LOWER(name));

	CREATE TABLE permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		module_id INTEGER NOT NULL REFERENCES modules(id),
		display_name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX idx_permissions_key ON permissions(LOWER(key));

	CREATE TABLE roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 0,
		is_system_role BOOLEAN NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX idx_roles_name ON roles(LOWER(name));

	CREATE TABLE role_permissions (
		role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (role_id, permission_id)
	);

	CREATE TABLE user_roles (
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id INTEGER NOT NULL REFERENCES roles(id),
		is_active BOOLEAN NOT NULL DEFAULT 1,
		assigned_by INTEGER,
		assigned_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, role_id)
	);

	CREATE TABLE permission_audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_user_id INTEGER,
		action TEXT NOT NULL,
		target_user_id INTEGER,
		role_id INTEGER,
		permission_id INTEGER,
		details TEXT NOT NULL DEFAULT '{}',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

// testEnv is a seeded store with the default catalog
type testEnv struct {
	db    *sql.DB
	store *Store
	ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithDB(t, setupTestDB(t))
}

// newTestEnvWithDB seeds db, which must already carry the schema
func newTestEnvWithDB(t *testing.T, db *sql.DB) *testEnv {
	t.Helper()
	store := NewStore(db, WithClock(func() time.Time { return time.Now().UTC().Truncate(time.Second) }))
	ctx := context.Background()
	require.NoError(t, store.Seed(ctx, DefaultCatalog()))
	return &testEnv{db: db, store: store, ctx: ctx}
}

// createUser inserts a user, optionally with a primary role, and returns its ID
func (e *testEnv) createUser(t *testing.T, username string, primaryRole *int64) int64 {
	t.Helper()
	var id int64
	err := e.db.QueryRow(
		`INSERT INTO users (username, role_id, is_active) VALUES ($1, $2, TRUE) RETURNING id`,
		username, primaryRole,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func (e *testEnv) role(t *testing.T, name string) *Role {
	t.Helper()
	role, err := e.store.GetRoleByName(e.ctx, name)
	require.NoError(t, err)
	return role
}

func (e *testEnv) permissionID(t *testing.T, key string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, e.db.QueryRow(`SELECT id FROM permissions WHERE key = $1`, key).Scan(&id))
	return id
}

func (e *testEnv) moduleID(t *testing.T, name string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, e.db.QueryRow(`SELECT id FROM modules WHERE name = $1`, name).Scan(&id))
	return id
}

func (e *testEnv) countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(query, args...).Scan(&n))
	return n
}

func int64Ptr(v int64) *int64 { return &v }

func boolPtr(v bool) *bool { return &v }
