// Package store provides the local SQLite database for synced tracker data.
//
// This package is the canonical local copy of the remote issue tracker:
// users, projects, issues and time entries land here through the sync
// engine, and the compliance rule engine reads them back out. Violations
// detected by the rules are materialized here as well.
//
// The database runs in embedded mode using SQLite with WAL for concurrency
// support:
//   - WAL mode: concurrent readers during batch upserts
//   - Foreign keys: project/issue/time-entry cascades are enforced by SQLite
//   - Unique external ids: every upsert is keyed on the remote system's id
//
// Writers are the sync reconciler (canonical entities) and the rule engine
// (violations); everything else only reads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Batch upserts run on multiple connections; wait out writer contention
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Foreign keys drive the project/issue/time-entry cascades
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Canonical synced entities. external_id is the immutable join key to
	-- the remote tracker and is unique within each entity type.
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id INTEGER NOT NULL UNIQUE,
		login TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',  -- active, registered, locked
		role TEXT NOT NULL DEFAULT '',
		manager_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id INTEGER NOT NULL UNIQUE,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',  -- active, archived, closed
		parent_id INTEGER REFERENCES projects(id) ON DELETE SET NULL,
		manager_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS issues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id INTEGER NOT NULL UNIQUE,
		subject TEXT NOT NULL,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		assignee_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
		status TEXT NOT NULL DEFAULT '',
		estimated_hours REAL,  -- NULL when the remote has no estimate
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS time_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id INTEGER NOT NULL UNIQUE,
		user_id INTEGER NOT NULL REFERENCES users(id),
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		issue_id INTEGER REFERENCES issues(id) ON DELETE CASCADE,
		hours REAL NOT NULL CHECK (hours > 0),
		spent_on TEXT NOT NULL,   -- calendar date, YYYY-MM-DD
		created_on TEXT NOT NULL, -- remote creation timestamp, not local audit time
		updated_at TEXT NOT NULL,
		last_synced_at TEXT NOT NULL
	);

	-- One row per entity type: timestamp of the last successful sync pass.
	CREATE TABLE IF NOT EXISTS sync_cursors (
		entity_type TEXT PRIMARY KEY,
		last_synced_at TEXT NOT NULL
	);

	-- Materialized compliance violations, unique per (user, type, day).
	CREATE TABLE IF NOT EXISTS violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		violation_type TEXT NOT NULL,
		date TEXT NOT NULL,  -- normalized to UTC midnight
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',  -- open, resolved
		metadata TEXT NOT NULL DEFAULT '{}',  -- typed evidence, JSON
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, violation_type, date)
	);

	-- Indexes for sync reconciliation and rule queries
	CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);
	CREATE INDEX IF NOT EXISTS idx_projects_parent ON projects(parent_id);
	CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_id);
	CREATE INDEX IF NOT EXISTS idx_issues_assignee ON issues(assignee_id);
	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
	CREATE INDEX IF NOT EXISTS idx_entries_user ON time_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_entries_project ON time_entries(project_id);
	CREATE INDEX IF NOT EXISTS idx_entries_issue ON time_entries(issue_id);
	CREATE INDEX IF NOT EXISTS idx_entries_spent_on ON time_entries(spent_on);
	CREATE INDEX IF NOT EXISTS idx_violations_user ON violations(user_id);
	CREATE INDEX IF NOT EXISTS idx_violations_status ON violations(status);
	CREATE INDEX IF NOT EXISTS idx_violations_type_date ON violations(violation_type, date);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// nullInt64ToPtr converts a nullable SQL int to an int64 pointer.
func nullInt64ToPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// ptrToNullInt64 converts an int64 pointer to a nullable SQL int.
func ptrToNullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// ptrToNullFloat64 converts a float64 pointer to a nullable SQL float.
func ptrToNullFloat64(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

// nullFloat64ToPtr converts a nullable SQL float to a float64 pointer.
func nullFloat64ToPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// parseTime parses an RFC3339 timestamp stored in the database.
// Zero time is returned for unparseable values rather than failing a scan.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DateOnly is the storage format for calendar dates (spent_on, violation date).
const DateOnly = "2006-01-02"

// parseDate parses a YYYY-MM-DD column into a UTC midnight time.
func parseDate(s string) time.Time {
	t, err := time.ParseInLocation(DateOnly, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
