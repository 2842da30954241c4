package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSyncCursor returns the last-successful-sync timestamp for an entity
// type, or nil if that type has never been synced (meaning: do a full
// fetch).
func (db *DB) GetSyncCursor(ctx context.Context, entity EntityType) (*time.Time, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_cursors WHERE entity_type = ?`,
		string(entity)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor for %s: %w", entity, err)
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid sync cursor for %s: %w", entity, err)
	}
	return &t, nil
}

// SetSyncCursor records the last-successful-sync timestamp for an entity
// type. Callers only advance the cursor after at least one record of that
// type was upserted in the current pass.
func (db *DB) SetSyncCursor(ctx context.Context, entity EntityType, t time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_cursors (entity_type, last_synced_at) VALUES (?, ?)
	ON CONFLICT(entity_type) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		string(entity), t.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set sync cursor for %s: %w", entity, err)
	}
	return nil
}

// GetLastSyncTimes returns the cursor for every entity type that has one.
// Entity types absent from the map have never completed a sync pass.
func (db *DB) GetLastSyncTimes(ctx context.Context) (map[EntityType]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT entity_type, last_synced_at FROM sync_cursors`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync cursors: %w", err)
	}
	defer rows.Close()

	times := make(map[EntityType]time.Time)
	for rows.Next() {
		var entity, raw string
		if err := rows.Scan(&entity, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan sync cursor: %w", err)
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid sync cursor for %s: %w", entity, err)
		}
		times[EntityType(entity)] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync cursors: %w", err)
	}
	return times, nil
}
