package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

// TestUpsertViolation_UniqueKey verifies that re-detecting the same
// breach on the same day updates the existing row instead of inserting.
func TestUpsertViolation_UniqueKey(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	userID := seedUser(t, db, 1)

	id1, err := db.UpsertViolation(ctx, &Violation{
		UserID:   userID,
		Type:     ViolationMissingEntry,
		Date:     time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC), // time of day is dropped
		Severity: SeverityMedium,
	})
	if err != nil {
		t.Fatalf("first UpsertViolation() failed: %v", err)
	}

	id2, err := db.UpsertViolation(ctx, &Violation{
		UserID:   userID,
		Type:     ViolationMissingEntry,
		Date:     time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC), // same calendar day
		Severity: SeverityHigh,
	})
	if err != nil {
		t.Fatalf("second UpsertViolation() failed: %v", err)
	}

	if id1 != id2 {
		t.Errorf("same (user, type, day) produced two rows: %d and %d", id1, id2)
	}

	violations, err := db.ListViolations(ctx, ViolationFilter{UserID: userID})
	if err != nil {
		t.Fatalf("ListViolations() failed: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if violations[0].Severity != SeverityHigh {
		t.Errorf("Severity = %q, want %q (refreshed on re-detect)", violations[0].Severity, SeverityHigh)
	}
}

// TestUpsertViolation_ReopensResolved verifies that a resolved violation
// flips back to open when the rule pass detects it again.
func TestUpsertViolation_ReopensResolved(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	userID := seedUser(t, db, 1)

	v := &Violation{
		UserID:   userID,
		Type:     ViolationLateEntry,
		Date:     time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Severity: SeverityMedium,
	}
	id, err := db.UpsertViolation(ctx, v)
	if err != nil {
		t.Fatalf("UpsertViolation() failed: %v", err)
	}

	if err := db.ResolveViolation(ctx, id); err != nil {
		t.Fatalf("ResolveViolation() failed: %v", err)
	}

	if _, err := db.UpsertViolation(ctx, v); err != nil {
		t.Fatalf("re-detect UpsertViolation() failed: %v", err)
	}

	violations, err := db.ListViolations(ctx, ViolationFilter{UserID: userID})
	if err != nil {
		t.Fatalf("ListViolations() failed: %v", err)
	}
	if violations[0].Status != ViolationOpen {
		t.Errorf("Status after re-detect = %q, want %q", violations[0].Status, ViolationOpen)
	}
}

func TestResolveViolation_NotFound(t *testing.T) {
	db := testDB(t)

	err := db.ResolveViolation(context.Background(), 9999)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("ResolveViolation() on missing id = %v, want sql.ErrNoRows", err)
	}
}

func TestListViolations_Filters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	alice := seedUser(t, db, 1)
	bob, err := db.UpsertUser(ctx, &User{
		ExternalID: 2, DisplayName: "Bob", Status: UserActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(), LastSyncedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertUser() failed: %v", err)
	}

	seed := []struct {
		user int64
		typ  ViolationType
		date time.Time
	}{
		{alice, ViolationMissingEntry, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{alice, ViolationLateEntry, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)},
		{bob, ViolationMissingEntry, time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)},
	}
	for _, s := range seed {
		if _, err := db.UpsertViolation(ctx, &Violation{
			UserID: s.user, Type: s.typ, Date: s.date, Severity: SeverityLow,
		}); err != nil {
			t.Fatalf("UpsertViolation() failed: %v", err)
		}
	}

	byUser, err := db.ListViolations(ctx, ViolationFilter{UserID: alice})
	if err != nil {
		t.Fatalf("ListViolations(user) failed: %v", err)
	}
	if len(byUser) != 2 {
		t.Errorf("violations for alice = %d, want 2", len(byUser))
	}

	byType, err := db.ListViolations(ctx, ViolationFilter{Type: ViolationMissingEntry})
	if err != nil {
		t.Fatalf("ListViolations(type) failed: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("missing_entry violations = %d, want 2", len(byType))
	}

	byRange, err := db.ListViolations(ctx, ViolationFilter{
		From: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ListViolations(range) failed: %v", err)
	}
	if len(byRange) != 1 || byRange[0].Type != ViolationLateEntry {
		t.Errorf("violations in range = %v, want just the late entry", byRange)
	}

	limited, err := db.ListViolations(ctx, ViolationFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListViolations(limit) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited violations = %d, want 1", len(limited))
	}
}

func TestOpenViolationSeverities_ExcludesResolved(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	userID := seedUser(t, db, 1)

	id, err := db.UpsertViolation(ctx, &Violation{
		UserID: userID, Type: ViolationMissingEntry,
		Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Severity: SeverityHigh,
	})
	if err != nil {
		t.Fatalf("UpsertViolation() failed: %v", err)
	}
	if _, err := db.UpsertViolation(ctx, &Violation{
		UserID: userID, Type: ViolationRoundNumbers,
		Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Severity: SeverityLow,
	}); err != nil {
		t.Fatalf("UpsertViolation() failed: %v", err)
	}

	if err := db.ResolveViolation(ctx, id); err != nil {
		t.Fatalf("ResolveViolation() failed: %v", err)
	}

	severities, err := db.OpenViolationSeverities(ctx)
	if err != nil {
		t.Fatalf("OpenViolationSeverities() failed: %v", err)
	}
	if len(severities[userID]) != 1 || severities[userID][0] != SeverityLow {
		t.Errorf("open severities = %v, want [low]", severities[userID])
	}

	total, open, err := db.CountViolations(ctx)
	if err != nil {
		t.Fatalf("CountViolations() failed: %v", err)
	}
	if total != 2 || open != 1 {
		t.Errorf("CountViolations() = (%d, %d), want (2, 1)", total, open)
	}
}
