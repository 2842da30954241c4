package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertIssue inserts or updates an issue keyed on its external id.
//
// ProjectID must already be resolved to a local project; the reconciler
// skips issues whose project isn't present rather than writing a partial
// row. Returns the local id.
func (db *DB) UpsertIssue(ctx context.Context, i *Issue) (int64, error) {
	if i.ExternalID == 0 {
		return 0, fmt.Errorf("issue external id is required")
	}
	if i.ProjectID == 0 {
		return 0, fmt.Errorf("issue project reference is required")
	}

	query := `
	INSERT INTO issues (
		external_id, subject, project_id, assignee_id, status, estimated_hours,
		created_at, updated_at, last_synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(external_id) DO UPDATE SET
		subject = excluded.subject,
		project_id = excluded.project_id,
		assignee_id = excluded.assignee_id,
		status = excluded.status,
		estimated_hours = excluded.estimated_hours,
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at
	RETURNING id
	`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		i.ExternalID,
		i.Subject,
		i.ProjectID,
		ptrToNullInt64(i.AssigneeID),
		i.Status,
		ptrToNullFloat64(i.EstimatedHours),
		i.CreatedAt.UTC().Format(time.RFC3339),
		i.UpdatedAt.UTC().Format(time.RFC3339),
		i.LastSyncedAt.UTC().Format(time.RFC3339),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert issue %d: %w", i.ExternalID, err)
	}
	return id, nil
}

// GetIssueByExternalID retrieves an issue by its remote id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetIssueByExternalID(ctx context.Context, externalID int64) (*Issue, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, external_id, subject, project_id, assignee_id, status, estimated_hours,
	       created_at, updated_at, last_synced_at
	FROM issues WHERE external_id = ?`, externalID)
	return scanIssue(row)
}

func scanIssue(row rowScanner) (*Issue, error) {
	var i Issue
	var assigneeID sql.NullInt64
	var estimated sql.NullFloat64
	var createdAt, updatedAt, syncedAt string

	err := row.Scan(&i.ID, &i.ExternalID, &i.Subject, &i.ProjectID, &assigneeID,
		&i.Status, &estimated, &createdAt, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	i.AssigneeID = nullInt64ToPtr(assigneeID)
	i.EstimatedHours = nullFloat64ToPtr(estimated)
	i.CreatedAt = parseTime(createdAt)
	i.UpdatedAt = parseTime(updatedAt)
	i.LastSyncedAt = parseTime(syncedAt)
	return &i, nil
}

// ListIssues returns all issues ordered by external id.
func (db *DB) ListIssues(ctx context.Context) ([]*Issue, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, external_id, subject, project_id, assignee_id, status, estimated_hours,
	       created_at, updated_at, last_synced_at
	FROM issues ORDER BY external_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []*Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}
	return issues, nil
}

// IssueExternalIDs returns a map of external id -> local id for all issues.
func (db *DB) IssueExternalIDs(ctx context.Context) (map[int64]int64, error) {
	return db.externalIDMap(ctx, "issues")
}

// DeleteIssue hard-deletes an issue; the foreign key cascades to its time
// entries.
func (db *DB) DeleteIssue(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete issue %d: %w", id, err)
	}
	return nil
}

// SpentHoursByIssue returns the sum of all historical time-entry hours per
// issue local id. Used by the overrun detector.
func (db *DB) SpentHoursByIssue(ctx context.Context) (map[int64]float64, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT issue_id, SUM(hours) FROM time_entries
	WHERE issue_id IS NOT NULL GROUP BY issue_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate spent hours: %w", err)
	}
	defer rows.Close()

	spent := make(map[int64]float64)
	for rows.Next() {
		var issueID int64
		var hours float64
		if err := rows.Scan(&issueID, &hours); err != nil {
			return nil, fmt.Errorf("failed to scan spent hours: %w", err)
		}
		spent[issueID] = hours
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spent hours: %w", err)
	}
	return spent, nil
}
