package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertUser inserts or updates a user keyed on its external id.
//
// On insert the remote-reported CreatedAt is preserved as the local
// creation time so historical ordering stays accurate. On update the
// mutable fields and the sync-audit timestamp are refreshed; UpdatedAt is
// always the remote-sourced timestamp supplied by the caller, never "now".
// A nil ManagerID leaves an existing manager link untouched, since a batch
// record may simply lack the detail fields; SetUserManager clears the link
// explicitly. Returns the local id of the row.
func (db *DB) UpsertUser(ctx context.Context, u *User) (int64, error) {
	if u.ExternalID == 0 {
		return 0, fmt.Errorf("user external id is required")
	}
	if u.DisplayName == "" {
		return 0, fmt.Errorf("user display name is required")
	}

	query := `
	INSERT INTO users (
		external_id, login, display_name, email, status, role, manager_id,
		created_at, updated_at, last_synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(external_id) DO UPDATE SET
		login = excluded.login,
		display_name = excluded.display_name,
		email = excluded.email,
		status = excluded.status,
		role = excluded.role,
		manager_id = COALESCE(excluded.manager_id, manager_id),
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at
	RETURNING id
	`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		u.ExternalID,
		u.Login,
		u.DisplayName,
		u.Email,
		string(u.Status),
		u.Role,
		ptrToNullInt64(u.ManagerID),
		u.CreatedAt.UTC().Format(time.RFC3339),
		u.UpdatedAt.UTC().Format(time.RFC3339),
		u.LastSyncedAt.UTC().Format(time.RFC3339),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert user %d: %w", u.ExternalID, err)
	}
	return id, nil
}

// GetUserByExternalID retrieves a user by its remote id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetUserByExternalID(ctx context.Context, externalID int64) (*User, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, external_id, login, display_name, email, status, role, manager_id,
	       created_at, updated_at, last_synced_at
	FROM users WHERE external_id = ?`, externalID)
	return scanUser(row)
}

// GetUser retrieves a user by local id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, external_id, login, display_name, email, status, role, manager_id,
	       created_at, updated_at, last_synced_at
	FROM users WHERE id = ?`, id)
	return scanUser(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var status string
	var managerID sql.NullInt64
	var createdAt, updatedAt, syncedAt string

	err := row.Scan(&u.ID, &u.ExternalID, &u.Login, &u.DisplayName, &u.Email,
		&status, &u.Role, &managerID, &createdAt, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	u.Status = UserStatus(status)
	u.ManagerID = nullInt64ToPtr(managerID)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	u.LastSyncedAt = parseTime(syncedAt)
	return &u, nil
}

// ListUsers returns all users ordered by external id.
func (db *DB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, external_id, login, display_name, email, status, role, manager_id,
	       created_at, updated_at, last_synced_at
	FROM users ORDER BY external_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// ListActiveUsers returns users whose lifecycle status is active.
func (db *DB) ListActiveUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, external_id, login, display_name, email, status, role, manager_id,
	       created_at, updated_at, last_synced_at
	FROM users WHERE status = ? ORDER BY external_id ASC`, string(UserActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// UserExternalIDs returns a map of external id -> local id for all users.
// The reconciler uses this for foreign-key resolution and deletion diffing.
func (db *DB) UserExternalIDs(ctx context.Context) (map[int64]int64, error) {
	return db.externalIDMap(ctx, "users")
}

// UserDependentCount returns the number of records that reference the user:
// time entries, issue assignments, violations, managed projects, and direct
// reports. Users with dependents must be locked, not deleted, so they don't
// disappear from audit trails.
func (db *DB) UserDependentCount(ctx context.Context, id int64) (int, error) {
	query := `
	SELECT
		(SELECT COUNT(*) FROM time_entries WHERE user_id = ?1) +
		(SELECT COUNT(*) FROM issues WHERE assignee_id = ?1) +
		(SELECT COUNT(*) FROM violations WHERE user_id = ?1) +
		(SELECT COUNT(*) FROM projects WHERE manager_id = ?1) +
		(SELECT COUNT(*) FROM users WHERE manager_id = ?1)
	`
	var count int
	if err := db.conn.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count user dependents: %w", err)
	}
	return count, nil
}

// LockUser soft-deletes a user by transitioning its status to locked.
// The sync-audit timestamp is refreshed; remote timestamps are untouched.
func (db *DB) LockUser(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE users SET status = ?, last_synced_at = ? WHERE id = ?`,
		string(UserLocked), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to lock user %d: %w", id, err)
	}
	return nil
}

// DeleteUser hard-deletes a user. Only valid for users with no dependent
// records; the foreign keys on time_entries reject anything else.
func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user %d: %w", id, err)
	}
	return nil
}

// SetUserManager updates the self-referential manager link for a user.
// Called in a second pass after all users of a batch are upserted, since a
// manager may appear later in the fetched set than their reports.
func (db *DB) SetUserManager(ctx context.Context, id int64, managerID *int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE users SET manager_id = ? WHERE id = ?`, ptrToNullInt64(managerID), id)
	if err != nil {
		return fmt.Errorf("failed to set manager for user %d: %w", id, err)
	}
	return nil
}

// externalIDMap returns external id -> local id for the given table.
func (db *DB) externalIDMap(ctx context.Context, table string) (map[int64]int64, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT external_id, id FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s ids: %w", table, err)
	}
	defer rows.Close()

	ids := make(map[int64]int64)
	for rows.Next() {
		var ext, local int64
		if err := rows.Scan(&ext, &local); err != nil {
			return nil, fmt.Errorf("failed to scan %s id: %w", table, err)
		}
		ids[ext] = local
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s ids: %w", table, err)
	}
	return ids, nil
}
