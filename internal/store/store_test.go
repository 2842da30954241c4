package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// testDB opens a fresh database with the schema applied.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *DB, externalID int64) int64 {
	t.Helper()
	id, err := db.UpsertUser(context.Background(), &User{
		ExternalID:   externalID,
		Login:        "user",
		DisplayName:  "Test User",
		Status:       UserActive,
		CreatedAt:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertUser() failed: %v", err)
	}
	return id
}

func seedProject(t *testing.T, db *DB, externalID int64) int64 {
	t.Helper()
	id, err := db.UpsertProject(context.Background(), &Project{
		ExternalID:   externalID,
		Name:         "Test Project",
		Status:       "active",
		CreatedAt:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertProject() failed: %v", err)
	}
	return id
}

func seedIssue(t *testing.T, db *DB, externalID, projectID int64) int64 {
	t.Helper()
	id, err := db.UpsertIssue(context.Background(), &Issue{
		ExternalID:   externalID,
		Subject:      "Test Issue",
		ProjectID:    projectID,
		Status:       "In Progress",
		CreatedAt:    time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC),
		LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertIssue() failed: %v", err)
	}
	return id
}

func seedEntry(t *testing.T, db *DB, externalID, userID, projectID int64, spentOn time.Time, hours float64) int64 {
	t.Helper()
	id, err := db.UpsertTimeEntry(context.Background(), &TimeEntry{
		ExternalID:   externalID,
		UserID:       userID,
		ProjectID:    projectID,
		Hours:        hours,
		SpentOn:      spentOn,
		CreatedOn:    spentOn.Add(18 * time.Hour),
		UpdatedAt:    spentOn.Add(18 * time.Hour),
		LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertTimeEntry() failed: %v", err)
	}
	return id
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
}

// TestUpsertUser_PreservesCreatedAt verifies that updating a user keeps
// the creation timestamp from the first insert and the same local id.
func TestUpsertUser_PreservesCreatedAt(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	created := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	id1, err := db.UpsertUser(ctx, &User{
		ExternalID:   42,
		DisplayName:  "Alice Original",
		Status:       UserActive,
		CreatedAt:    created,
		UpdatedAt:    created,
		LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("first UpsertUser() failed: %v", err)
	}

	updated := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	id2, err := db.UpsertUser(ctx, &User{
		ExternalID:   42,
		DisplayName:  "Alice Renamed",
		Status:       UserActive,
		CreatedAt:    updated, // must not overwrite the stored value
		UpdatedAt:    updated,
		LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("second UpsertUser() failed: %v", err)
	}

	if id1 != id2 {
		t.Errorf("upsert created a new row: id1=%d id2=%d", id1, id2)
	}

	u, err := db.GetUserByExternalID(ctx, 42)
	if err != nil {
		t.Fatalf("GetUserByExternalID() failed: %v", err)
	}
	if u.DisplayName != "Alice Renamed" {
		t.Errorf("DisplayName = %q, want %q", u.DisplayName, "Alice Renamed")
	}
	if !u.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v (preserved from insert)", u.CreatedAt, created)
	}
	if !u.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v (remote-sourced)", u.UpdatedAt, updated)
	}
}

func TestUpsertUser_Validation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.UpsertUser(ctx, &User{DisplayName: "No External"}); err == nil {
		t.Error("UpsertUser() without external id should fail")
	}
	if _, err := db.UpsertUser(ctx, &User{ExternalID: 1}); err == nil {
		t.Error("UpsertUser() without display name should fail")
	}
}

func TestUpsertTimeEntry_RejectsNonPositiveHours(t *testing.T) {
	db := testDB(t)
	userID := seedUser(t, db, 1)
	projectID := seedProject(t, db, 1)

	_, err := db.UpsertTimeEntry(context.Background(), &TimeEntry{
		ExternalID: 100,
		UserID:     userID,
		ProjectID:  projectID,
		Hours:      0,
		SpentOn:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		CreatedOn:  time.Now().UTC(),
	})
	if err == nil {
		t.Error("UpsertTimeEntry() with zero hours should fail")
	}
}

func TestSyncCursors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cursor, err := db.GetSyncCursor(ctx, EntityUsers)
	if err != nil {
		t.Fatalf("GetSyncCursor() failed: %v", err)
	}
	if cursor != nil {
		t.Errorf("cursor for never-synced entity = %v, want nil", cursor)
	}

	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := db.SetSyncCursor(ctx, EntityUsers, first); err != nil {
		t.Fatalf("SetSyncCursor() failed: %v", err)
	}

	second := first.Add(time.Hour)
	if err := db.SetSyncCursor(ctx, EntityUsers, second); err != nil {
		t.Fatalf("second SetSyncCursor() failed: %v", err)
	}

	cursor, err = db.GetSyncCursor(ctx, EntityUsers)
	if err != nil {
		t.Fatalf("GetSyncCursor() failed: %v", err)
	}
	if cursor == nil || !cursor.Equal(second) {
		t.Errorf("cursor = %v, want %v", cursor, second)
	}

	times, err := db.GetLastSyncTimes(ctx)
	if err != nil {
		t.Fatalf("GetLastSyncTimes() failed: %v", err)
	}
	if len(times) != 1 {
		t.Errorf("GetLastSyncTimes() returned %d entries, want 1", len(times))
	}
}

// TestUserDeletion_LockVsDelete verifies the deletion asymmetry: users
// with dependent records are locked, users without are removed.
func TestUserDeletion_LockVsDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	withHistory := seedUser(t, db, 1)
	clean, err := db.UpsertUser(ctx, &User{
		ExternalID:   2,
		DisplayName:  "Clean User",
		Status:       UserActive,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
		LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertUser() failed: %v", err)
	}

	projectID := seedProject(t, db, 1)
	seedEntry(t, db, 100, withHistory, projectID, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), 4)

	count, err := db.UserDependentCount(ctx, withHistory)
	if err != nil {
		t.Fatalf("UserDependentCount() failed: %v", err)
	}
	if count == 0 {
		t.Fatal("UserDependentCount() = 0 for user with a time entry")
	}

	if err := db.LockUser(ctx, withHistory); err != nil {
		t.Fatalf("LockUser() failed: %v", err)
	}
	u, err := db.GetUser(ctx, withHistory)
	if err != nil {
		t.Fatalf("GetUser() failed: %v", err)
	}
	if u.Status != UserLocked {
		t.Errorf("Status after lock = %q, want %q", u.Status, UserLocked)
	}

	// The locked user's history must survive
	entries, err := db.ListTimeEntries(ctx)
	if err != nil {
		t.Fatalf("ListTimeEntries() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("time entries after lock = %d, want 1", len(entries))
	}

	count, err = db.UserDependentCount(ctx, clean)
	if err != nil {
		t.Fatalf("UserDependentCount() failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("UserDependentCount() = %d for clean user, want 0", count)
	}
	if err := db.DeleteUser(ctx, clean); err != nil {
		t.Fatalf("DeleteUser() failed: %v", err)
	}
	if _, err := db.GetUser(ctx, clean); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetUser() after delete = %v, want sql.ErrNoRows", err)
	}
}

// TestDeleteProject_Cascades verifies that deleting a project removes its
// issues and all time entries on the project, but leaves users alone.
func TestDeleteProject_Cascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	userID := seedUser(t, db, 1)
	projectID := seedProject(t, db, 1)
	issueID := seedIssue(t, db, 10, projectID)

	// One entry on the issue, one directly on the project
	entryID, err := db.UpsertTimeEntry(ctx, &TimeEntry{
		ExternalID: 100,
		UserID:     userID,
		ProjectID:  projectID,
		IssueID:    &issueID,
		Hours:      3,
		SpentOn:    time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		CreatedOn:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertTimeEntry() failed: %v", err)
	}
	seedEntry(t, db, 101, userID, projectID, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), 2)

	if err := db.DeleteProject(ctx, projectID); err != nil {
		t.Fatalf("DeleteProject() failed: %v", err)
	}

	if _, err := db.GetIssueByExternalID(ctx, 10); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("issue survived project delete: err = %v", err)
	}
	if _, err := db.GetTimeEntryByExternalID(ctx, 100); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("issue-bound entry %d survived project delete", entryID)
	}
	if _, err := db.GetTimeEntryByExternalID(ctx, 101); !errors.Is(err, sql.ErrNoRows) {
		t.Error("project-bound entry survived project delete")
	}
	if _, err := db.GetUser(ctx, userID); err != nil {
		t.Errorf("user should survive project delete: %v", err)
	}
}

func TestSetUserManager_SecondPass(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	report := seedUser(t, db, 1)
	manager, err := db.UpsertUser(ctx, &User{
		ExternalID:   2,
		DisplayName:  "Manager",
		Status:       UserActive,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
		LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertUser() failed: %v", err)
	}

	if err := db.SetUserManager(ctx, report, &manager); err != nil {
		t.Fatalf("SetUserManager() failed: %v", err)
	}

	u, err := db.GetUser(ctx, report)
	if err != nil {
		t.Fatalf("GetUser() failed: %v", err)
	}
	if u.ManagerID == nil || *u.ManagerID != manager {
		t.Errorf("ManagerID = %v, want %d", u.ManagerID, manager)
	}
}

// TestUpsertUser_KeepsManagerWhenAbsent verifies that re-upserting a user
// without a manager value leaves an existing link alone (detail fetches
// can fail), and that only SetUserManager clears it.
func TestUpsertUser_KeepsManagerWhenAbsent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	report := seedUser(t, db, 1)
	manager := seedUser(t, db, 2)
	if err := db.SetUserManager(ctx, report, &manager); err != nil {
		t.Fatalf("SetUserManager() failed: %v", err)
	}

	// A batch record carrying no manager field
	if _, err := db.UpsertUser(ctx, &User{
		ExternalID:   1,
		Login:        "user",
		DisplayName:  "Test User",
		Status:       UserActive,
		CreatedAt:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		LastSyncedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertUser() failed: %v", err)
	}

	u, err := db.GetUser(ctx, report)
	if err != nil {
		t.Fatalf("GetUser() failed: %v", err)
	}
	if u.ManagerID == nil || *u.ManagerID != manager {
		t.Errorf("ManagerID = %v after manager-less upsert, want %d", u.ManagerID, manager)
	}

	if err := db.SetUserManager(ctx, report, nil); err != nil {
		t.Fatalf("SetUserManager(nil) failed: %v", err)
	}
	u, err = db.GetUser(ctx, report)
	if err != nil {
		t.Fatalf("GetUser() failed: %v", err)
	}
	if u.ManagerID != nil {
		t.Errorf("ManagerID = %d after explicit clear, want nil", *u.ManagerID)
	}
}

func TestTimeEntriesSpentBetween(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	userID := seedUser(t, db, 1)
	projectID := seedProject(t, db, 1)

	seedEntry(t, db, 1, userID, projectID, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 8)
	seedEntry(t, db, 2, userID, projectID, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), 8)
	seedEntry(t, db, 3, userID, projectID, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), 8)

	entries, err := db.TimeEntriesSpentBetween(ctx,
		time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("TimeEntriesSpentBetween() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries in range = %d, want 1", len(entries))
	}
	if entries[0].ExternalID != 2 {
		t.Errorf("entry in range = %d, want external id 2", entries[0].ExternalID)
	}
}

func TestSpentHoursByIssue(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	userID := seedUser(t, db, 1)
	projectID := seedProject(t, db, 1)
	issueID := seedIssue(t, db, 10, projectID)

	for i, hours := range []float64{3, 5.5} {
		_, err := db.UpsertTimeEntry(ctx, &TimeEntry{
			ExternalID: int64(100 + i),
			UserID:     userID,
			ProjectID:  projectID,
			IssueID:    &issueID,
			Hours:      hours,
			SpentOn:    time.Date(2025, 3, 1+i, 0, 0, 0, 0, time.UTC),
			CreatedOn:  time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("UpsertTimeEntry() failed: %v", err)
		}
	}

	spent, err := db.SpentHoursByIssue(ctx)
	if err != nil {
		t.Fatalf("SpentHoursByIssue() failed: %v", err)
	}
	if spent[issueID] != 8.5 {
		t.Errorf("spent hours = %v, want 8.5", spent[issueID])
	}
}
