package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertTimeEntry inserts or updates a time entry keyed on its external id.
//
// UserID and ProjectID must be resolved local ids; the reconciler skips
// entries with unresolved references. SpentOn is stored as a bare calendar
// date and CreatedOn as the remote creation timestamp. Returns the local id.
func (db *DB) UpsertTimeEntry(ctx context.Context, e *TimeEntry) (int64, error) {
	if e.ExternalID == 0 {
		return 0, fmt.Errorf("time entry external id is required")
	}
	if e.UserID == 0 || e.ProjectID == 0 {
		return 0, fmt.Errorf("time entry user and project references are required")
	}
	if e.Hours <= 0 {
		return 0, fmt.Errorf("time entry hours must be positive (got %v)", e.Hours)
	}

	query := `
	INSERT INTO time_entries (
		external_id, user_id, project_id, issue_id, hours, spent_on, created_on,
		updated_at, last_synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(external_id) DO UPDATE SET
		user_id = excluded.user_id,
		project_id = excluded.project_id,
		issue_id = excluded.issue_id,
		hours = excluded.hours,
		spent_on = excluded.spent_on,
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at
	RETURNING id
	`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		e.ExternalID,
		e.UserID,
		e.ProjectID,
		ptrToNullInt64(e.IssueID),
		e.Hours,
		e.SpentOn.UTC().Format(DateOnly),
		e.CreatedOn.UTC().Format(time.RFC3339),
		e.UpdatedAt.UTC().Format(time.RFC3339),
		e.LastSyncedAt.UTC().Format(time.RFC3339),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert time entry %d: %w", e.ExternalID, err)
	}
	return id, nil
}

// GetTimeEntryByExternalID retrieves a time entry by its remote id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetTimeEntryByExternalID(ctx context.Context, externalID int64) (*TimeEntry, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, external_id, user_id, project_id, issue_id, hours, spent_on, created_on,
	       updated_at, last_synced_at
	FROM time_entries WHERE external_id = ?`, externalID)
	return scanTimeEntry(row)
}

func scanTimeEntry(row rowScanner) (*TimeEntry, error) {
	var e TimeEntry
	var issueID sql.NullInt64
	var spentOn, createdOn, updatedAt, syncedAt string

	err := row.Scan(&e.ID, &e.ExternalID, &e.UserID, &e.ProjectID, &issueID,
		&e.Hours, &spentOn, &createdOn, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	e.IssueID = nullInt64ToPtr(issueID)
	e.SpentOn = parseDate(spentOn)
	e.CreatedOn = parseTime(createdOn)
	e.UpdatedAt = parseTime(updatedAt)
	e.LastSyncedAt = parseTime(syncedAt)
	return &e, nil
}

// ListTimeEntries returns all time entries ordered by spent-on date.
func (db *DB) ListTimeEntries(ctx context.Context) ([]*TimeEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, external_id, user_id, project_id, issue_id, hours, spent_on, created_on,
	       updated_at, last_synced_at
	FROM time_entries ORDER BY spent_on ASC, external_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list time entries: %w", err)
	}
	defer rows.Close()

	return collectTimeEntries(rows)
}

// TimeEntriesSpentBetween returns entries whose spent-on date falls in
// [from, to] inclusive. Both bounds are truncated to calendar days.
func (db *DB) TimeEntriesSpentBetween(ctx context.Context, from, to time.Time) ([]*TimeEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, external_id, user_id, project_id, issue_id, hours, spent_on, created_on,
	       updated_at, last_synced_at
	FROM time_entries
	WHERE spent_on >= ? AND spent_on <= ?
	ORDER BY spent_on ASC, external_id ASC`,
		Midnight(from).Format(DateOnly), Midnight(to).Format(DateOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to query time entries: %w", err)
	}
	defer rows.Close()

	return collectTimeEntries(rows)
}

func collectTimeEntries(rows *sql.Rows) ([]*TimeEntry, error) {
	var entries []*TimeEntry
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan time entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating time entries: %w", err)
	}
	return entries, nil
}

// TimeEntryExternalIDs returns a map of external id -> local id for all
// time entries.
func (db *DB) TimeEntryExternalIDs(ctx context.Context) (map[int64]int64, error) {
	return db.externalIDMap(ctx, "time_entries")
}

// DeleteTimeEntry hard-deletes a time entry.
func (db *DB) DeleteTimeEntry(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM time_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete time entry %d: %w", id, err)
	}
	return nil
}

// CountTimeEntries returns the total number of time entries.
func (db *DB) CountTimeEntries(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM time_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count time entries: %w", err)
	}
	return count, nil
}
