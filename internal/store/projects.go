package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertProject inserts or updates a project keyed on its external id.
// Same timestamp semantics as UpsertUser: remote creation time is preserved
// on insert, UpdatedAt always comes from the remote record.
// Returns the local id of the row.
func (db *DB) UpsertProject(ctx context.Context, p *Project) (int64, error) {
	if p.ExternalID == 0 {
		return 0, fmt.Errorf("project external id is required")
	}
	if p.Name == "" {
		return 0, fmt.Errorf("project name is required")
	}

	query := `
	INSERT INTO projects (
		external_id, name, status, parent_id, manager_id,
		created_at, updated_at, last_synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(external_id) DO UPDATE SET
		name = excluded.name,
		status = excluded.status,
		parent_id = excluded.parent_id,
		manager_id = excluded.manager_id,
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at
	RETURNING id
	`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		p.ExternalID,
		p.Name,
		p.Status,
		ptrToNullInt64(p.ParentID),
		ptrToNullInt64(p.ManagerID),
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.UpdatedAt.UTC().Format(time.RFC3339),
		p.LastSyncedAt.UTC().Format(time.RFC3339),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert project %d: %w", p.ExternalID, err)
	}
	return id, nil
}

// SetProjectParent updates the self-referential parent link. Applied in a
// second pass once the whole fetched batch is present locally.
func (db *DB) SetProjectParent(ctx context.Context, id int64, parentID *int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE projects SET parent_id = ? WHERE id = ?`, ptrToNullInt64(parentID), id)
	if err != nil {
		return fmt.Errorf("failed to set parent for project %d: %w", id, err)
	}
	return nil
}

// GetProjectByExternalID retrieves a project by its remote id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetProjectByExternalID(ctx context.Context, externalID int64) (*Project, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, external_id, name, status, parent_id, manager_id,
	       created_at, updated_at, last_synced_at
	FROM projects WHERE external_id = ?`, externalID)
	return scanProject(row)
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var parentID, managerID sql.NullInt64
	var createdAt, updatedAt, syncedAt string

	err := row.Scan(&p.ID, &p.ExternalID, &p.Name, &p.Status, &parentID, &managerID,
		&createdAt, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	p.ParentID = nullInt64ToPtr(parentID)
	p.ManagerID = nullInt64ToPtr(managerID)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.LastSyncedAt = parseTime(syncedAt)
	return &p, nil
}

// ListProjects returns all projects ordered by external id.
func (db *DB) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, external_id, name, status, parent_id, manager_id,
	       created_at, updated_at, last_synced_at
	FROM projects ORDER BY external_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// ProjectExternalIDs returns a map of external id -> local id for all projects.
func (db *DB) ProjectExternalIDs(ctx context.Context) (map[int64]int64, error) {
	return db.externalIDMap(ctx, "projects")
}

// DeleteProject hard-deletes a project. SQLite foreign keys cascade the
// delete to the project's issues and to all time entries on the project,
// which covers both issue-bound entries (via the issue cascade) and entries
// logged directly against the project.
func (db *DB) DeleteProject(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project %d: %w", id, err)
	}
	return nil
}
