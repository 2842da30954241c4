package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UpsertViolation inserts or updates a violation keyed on
// (user_id, violation_type, date). Date is normalized to UTC midnight
// before writing.
//
// Existing rows get severity and metadata refreshed and status reset to
// open, which re-opens previously resolved violations that recur. This
// makes a full rule pass idempotent and re-runnable at any frequency.
func (db *DB) UpsertViolation(ctx context.Context, v *Violation) (int64, error) {
	if v.UserID == 0 {
		return 0, fmt.Errorf("violation user reference is required")
	}
	if v.Type == "" {
		return 0, fmt.Errorf("violation type is required")
	}

	metadata := v.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
	INSERT INTO violations (
		user_id, violation_type, date, severity, status, metadata, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, violation_type, date) DO UPDATE SET
		severity = excluded.severity,
		metadata = excluded.metadata,
		status = 'open',
		updated_at = excluded.updated_at
	RETURNING id
	`

	var id int64
	err := db.conn.QueryRowContext(ctx, query,
		v.UserID,
		string(v.Type),
		Midnight(v.Date).Format(DateOnly),
		string(v.Severity),
		string(ViolationOpen),
		string(metadata),
		now,
		now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert violation (%d, %s, %s): %w",
			v.UserID, v.Type, Midnight(v.Date).Format(DateOnly), err)
	}
	return id, nil
}

// ViolationFilter configures ListViolations.
type ViolationFilter struct {
	// UserID filters to one user (0 = all users)
	UserID int64
	// Type filters by violation type (empty = all types)
	Type ViolationType
	// Status filters by workflow status (empty = all)
	Status ViolationStatus
	// From/To bound the violation date inclusively (zero = unbounded)
	From time.Time
	To   time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListViolations retrieves violations matching the filter, newest first.
func (db *DB) ListViolations(ctx context.Context, filter ViolationFilter) ([]*Violation, error) {
	var conditions []string
	var args []any

	if filter.UserID != 0 {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		conditions = append(conditions, "violation_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "date >= ?")
		args = append(args, Midnight(filter.From).Format(DateOnly))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "date <= ?")
		args = append(args, Midnight(filter.To).Format(DateOnly))
	}

	query := `
	SELECT id, user_id, violation_type, date, severity, status, metadata, created_at, updated_at
	FROM violations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY date DESC, user_id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var violations []*Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating violations: %w", err)
	}
	return violations, nil
}

func scanViolation(row rowScanner) (*Violation, error) {
	var v Violation
	var typ, date, severity, status, metadata string
	var createdAt, updatedAt string

	err := row.Scan(&v.ID, &v.UserID, &typ, &date, &severity, &status, &metadata,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	v.Type = ViolationType(typ)
	v.Date = parseDate(date)
	v.Severity = Severity(severity)
	v.Status = ViolationStatus(status)
	v.Metadata = json.RawMessage(metadata)
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

// ResolveViolation marks a violation as resolved. A later rule pass that
// re-detects the same breach will flip it back to open.
func (db *DB) ResolveViolation(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE violations SET status = ?, updated_at = ? WHERE id = ?`,
		string(ViolationResolved), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to resolve violation %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// OpenViolationSeverities returns, per user local id, the severities of all
// open violations. The scorer turns these into penalty sums.
func (db *DB) OpenViolationSeverities(ctx context.Context) (map[int64][]Severity, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT user_id, severity FROM violations WHERE status = ?`, string(ViolationOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query open violations: %w", err)
	}
	defer rows.Close()

	severities := make(map[int64][]Severity)
	for rows.Next() {
		var userID int64
		var severity string
		if err := rows.Scan(&userID, &severity); err != nil {
			return nil, fmt.Errorf("failed to scan violation severity: %w", err)
		}
		severities[userID] = append(severities[userID], Severity(severity))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open violations: %w", err)
	}
	return severities, nil
}

// CountViolations returns the total number of violations, and the number
// currently open.
func (db *DB) CountViolations(ctx context.Context) (total, open int, err error) {
	err = db.conn.QueryRowContext(ctx, `
	SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END), 0)
	FROM violations`).Scan(&total, &open)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return total, open, nil
}
