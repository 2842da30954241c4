package syncer

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/store"
	"github.com/chronotrace/chronotrace/internal/tracker"
)

// fakeTracker serves the remote collection endpoints from in-memory slices
// so sync passes can run against a real HTTP round trip.
type fakeTracker struct {
	mu      sync.Mutex
	users   []tracker.User
	proj    []tracker.Project
	issues  []tracker.Issue
	entries []tracker.TimeEntry

	lastUserQuery   string
	failUserOffsets map[int]bool // user page offsets answered with a 500
}

func (f *fakeTracker) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/users.json", func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		f.mu.Lock()
		f.lastUserQuery = r.URL.RawQuery
		fail := f.failUserOffsets[offset]
		users := append([]tracker.User(nil), f.users...)
		f.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writePage(w, r, "users", len(users), func(lo, hi int) any { return users[lo:hi] })
	})
	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		idStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/users/"), ".json")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, u := range f.users {
			if u.ID == id {
				_ = json.NewEncoder(w).Encode(map[string]any{"user": u})
				return
			}
		}
		http.Error(w, "not found", http.StatusNotFound)
	})
	mux.HandleFunc("/projects.json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		proj := append([]tracker.Project(nil), f.proj...)
		f.mu.Unlock()
		writePage(w, r, "projects", len(proj), func(lo, hi int) any { return proj[lo:hi] })
	})
	mux.HandleFunc("/issues.json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		issues := append([]tracker.Issue(nil), f.issues...)
		f.mu.Unlock()
		writePage(w, r, "issues", len(issues), func(lo, hi int) any { return issues[lo:hi] })
	})
	mux.HandleFunc("/time_entries.json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		entries := append([]tracker.TimeEntry(nil), f.entries...)
		f.mu.Unlock()
		writePage(w, r, "time_entries", len(entries), func(lo, hi int) any { return entries[lo:hi] })
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// writePage slices a collection per the limit/offset query parameters and
// wraps it in the tracker's envelope shape.
func writePage(w http.ResponseWriter, r *http.Request, key string, total int, slice func(lo, hi int) any) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 100
	}
	lo, hi := offset, offset+limit
	if lo > total {
		lo = total
	}
	if hi > total {
		hi = total
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		key:           slice(lo, hi),
		"total_count": total,
		"offset":      offset,
		"limit":       limit,
	})
}

func testSyncer(t *testing.T, fake *fakeTracker) (*Syncer, *store.DB) {
	t.Helper()
	srv := fake.server(t)

	client, err := tracker.New(tracker.Config{
		BaseURL:          srv.URL,
		PageSize:         2,
		MaxAttempts:      1,
		BreakerThreshold: 3,
		DetailBatchSize:  10,
		Logger:           log.New(testWriter{t}, "[tracker] ", 0),
	})
	if err != nil {
		t.Fatalf("tracker.New() failed: %v", err)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	cfg := config.DefaultSyncConfig()
	cfg.BatchWorkers = 4
	return New(client, db, cfg, log.New(testWriter{t}, "[sync] ", 0)), db
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func ts(day int) time.Time {
	return time.Date(2024, 6, day, 12, 0, 0, 0, time.UTC)
}

func date(year, month, day int) tracker.Date {
	return tracker.Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// seedFake builds a small but fully linked remote: two users with a
// manager relationship, a project tree, an assigned issue, and entries
// both with and without an issue reference.
func seedFake() *fakeTracker {
	est := 10.0
	return &fakeTracker{
		users: []tracker.User{
			{ID: 1, Login: "alice", FirstName: "Alice", LastName: "Ash", Status: tracker.UserStatusActive,
				Manager: &tracker.Ref{ID: 2}, CreatedOn: ts(1), UpdatedOn: ts(1)},
			{ID: 2, Login: "bob", FirstName: "Bob", LastName: "Birch", Status: tracker.UserStatusActive,
				CreatedOn: ts(1), UpdatedOn: ts(1)},
			{ID: 3, Login: "carol", FirstName: "Carol", LastName: "Cedar", Status: tracker.UserStatusActive,
				CreatedOn: ts(1), UpdatedOn: ts(1)},
		},
		proj: []tracker.Project{
			{ID: 10, Name: "Platform", Status: tracker.ProjectStatusActive,
				Manager: &tracker.Ref{ID: 2}, CreatedOn: ts(1), UpdatedOn: ts(1)},
			{ID: 11, Name: "Platform API", Status: tracker.ProjectStatusActive,
				Parent: &tracker.Ref{ID: 10}, CreatedOn: ts(1), UpdatedOn: ts(1)},
		},
		issues: []tracker.Issue{
			{ID: 100, Subject: "Build the thing", Project: tracker.Ref{ID: 10},
				AssignedTo: &tracker.Ref{ID: 1}, Status: tracker.Ref{Name: "In Progress"},
				EstimatedHours: &est, CreatedOn: ts(2), UpdatedOn: ts(3)},
		},
		entries: []tracker.TimeEntry{
			{ID: 1000, User: tracker.Ref{ID: 1}, Project: tracker.Ref{ID: 10},
				Issue: &tracker.Ref{ID: 100}, Hours: 8,
				SpentOn: date(2024, 6, 3), CreatedOn: ts(3), UpdatedOn: ts(3)},
			{ID: 1001, User: tracker.Ref{ID: 2}, Project: tracker.Ref{ID: 11}, Hours: 4,
				SpentOn: date(2024, 6, 4), CreatedOn: ts(4), UpdatedOn: ts(4)},
		},
	}
}

func TestRunFullSync_PopulatesStore(t *testing.T) {
	fake := seedFake()
	s, db := testSyncer(t, fake)
	ctx := context.Background()

	summary, err := s.RunFullSync(ctx)
	if err != nil {
		t.Fatalf("RunFullSync() failed: %v", err)
	}

	want := map[store.EntityType]int{
		store.EntityUsers:       3,
		store.EntityProjects:    2,
		store.EntityIssues:      1,
		store.EntityTimeEntries: 2,
	}
	for entity, n := range want {
		r := summary.Results[entity]
		if r == nil || r.Synced != n {
			t.Errorf("%s: synced = %v, want %d", entity, r, n)
		}
		if r != nil && r.Errors != 0 {
			t.Errorf("%s: errors = %d (%v)", entity, r.Errors, r.ErrorSamples)
		}
	}

	// Manager and parent links resolve on the second pass
	var managerExt int64
	err = db.RawDB().QueryRow(`
		SELECT m.external_id FROM users u JOIN users m ON u.manager_id = m.id
		WHERE u.external_id = 1`).Scan(&managerExt)
	if err != nil || managerExt != 2 {
		t.Errorf("alice's manager external id = %d (err %v), want 2", managerExt, err)
	}

	var parentExt int64
	err = db.RawDB().QueryRow(`
		SELECT pp.external_id FROM projects p JOIN projects pp ON p.parent_id = pp.id
		WHERE p.external_id = 11`).Scan(&parentExt)
	if err != nil || parentExt != 10 {
		t.Errorf("subproject's parent external id = %d (err %v), want 10", parentExt, err)
	}

	var issueLinked int
	err = db.RawDB().QueryRow(`
		SELECT COUNT(*) FROM time_entries te JOIN issues i ON te.issue_id = i.id
		WHERE te.external_id = 1000 AND i.external_id = 100`).Scan(&issueLinked)
	if err != nil || issueLinked != 1 {
		t.Errorf("entry 1000 issue link = %d (err %v), want 1", issueLinked, err)
	}

	// Every entity got a cursor
	for _, entity := range store.SyncOrder {
		cursor, err := db.GetSyncCursor(ctx, entity)
		if err != nil {
			t.Fatalf("GetSyncCursor(%s) failed: %v", entity, err)
		}
		if cursor == nil {
			t.Errorf("no cursor recorded for %s", entity)
		}
	}
}

// TestRunFullSync_ReconcilesDeletions covers the deletion asymmetry: users
// with logged history are locked, clean users and other entities are
// removed, and project removal cascades to its entries.
func TestRunFullSync_ReconcilesDeletions(t *testing.T) {
	fake := seedFake()
	s, db := testSyncer(t, fake)
	ctx := context.Background()

	if _, err := s.RunFullSync(ctx); err != nil {
		t.Fatalf("initial RunFullSync() failed: %v", err)
	}

	// Remote loses alice (has an entry), carol (clean), the subproject
	// and its entry.
	fake.mu.Lock()
	fake.users = fake.users[1:2] // bob only
	fake.proj = fake.proj[:1]
	fake.entries = fake.entries[:1]
	fake.mu.Unlock()

	summary, err := s.RunFullSync(ctx)
	if err != nil {
		t.Fatalf("second RunFullSync() failed: %v", err)
	}
	if got := summary.Results[store.EntityUsers].Deleted; got != 2 {
		t.Errorf("users reconciled = %d, want 2 (one locked, one deleted)", got)
	}

	var aliceStatus string
	if err := db.RawDB().QueryRow(
		`SELECT status FROM users WHERE external_id = 1`).Scan(&aliceStatus); err != nil {
		t.Fatalf("alice vanished entirely, want locked: %v", err)
	}
	if aliceStatus != string(store.UserLocked) {
		t.Errorf("alice status = %q, want %q", aliceStatus, store.UserLocked)
	}

	var carols int
	if err := db.RawDB().QueryRow(
		`SELECT COUNT(*) FROM users WHERE external_id = 3`).Scan(&carols); err != nil || carols != 0 {
		t.Errorf("carol rows = %d (err %v), want 0", carols, err)
	}

	var subprojects, orphanEntries int
	if err := db.RawDB().QueryRow(
		`SELECT COUNT(*) FROM projects WHERE external_id = 11`).Scan(&subprojects); err != nil || subprojects != 0 {
		t.Errorf("subproject rows = %d (err %v), want 0", subprojects, err)
	}
	if err := db.RawDB().QueryRow(
		`SELECT COUNT(*) FROM time_entries WHERE external_id = 1001`).Scan(&orphanEntries); err != nil || orphanEntries != 0 {
		t.Errorf("removed entry rows = %d (err %v), want 0", orphanEntries, err)
	}

	// Alice's surviving entry is untouched
	var kept int
	if err := db.RawDB().QueryRow(
		`SELECT COUNT(*) FROM time_entries WHERE external_id = 1000`).Scan(&kept); err != nil || kept != 1 {
		t.Errorf("kept entry rows = %d (err %v), want 1", kept, err)
	}
}

// TestRunFullSync_PartialFetchSkipsReconciliation injects a failing users
// page into a full pass and verifies that no user is deleted against the
// incomplete view, while the records that did arrive still land.
func TestRunFullSync_PartialFetchSkipsReconciliation(t *testing.T) {
	fake := seedFake()
	s, db := testSyncer(t, fake)
	ctx := context.Background()

	if _, err := s.RunFullSync(ctx); err != nil {
		t.Fatalf("initial RunFullSync() failed: %v", err)
	}

	// The page carrying carol now answers 500; she still exists remotely.
	fake.mu.Lock()
	fake.failUserOffsets = map[int]bool{2: true}
	fake.mu.Unlock()

	summary, err := s.RunFullSync(ctx)
	if err != nil {
		t.Fatalf("RunFullSync() with a failing page failed: %v", err)
	}

	r := summary.Results[store.EntityUsers]
	if r.Deleted != 0 {
		t.Errorf("users reconciled = %d against an incomplete view, want 0", r.Deleted)
	}
	if r.Synced != 2 {
		t.Errorf("users synced = %d, want 2 from the surviving pages", r.Synced)
	}

	var carolStatus string
	if err := db.RawDB().QueryRow(
		`SELECT status FROM users WHERE external_id = 3`).Scan(&carolStatus); err != nil {
		t.Fatalf("carol vanished after a partial fetch: %v", err)
	}
	if carolStatus != string(store.UserActive) {
		t.Errorf("carol status = %q, want %q", carolStatus, store.UserActive)
	}
}

func TestRunIncrementalSync_CursorAndFilter(t *testing.T) {
	fake := seedFake()
	s, db := testSyncer(t, fake)
	ctx := context.Background()

	if _, err := s.RunFullSync(ctx); err != nil {
		t.Fatalf("RunFullSync() failed: %v", err)
	}
	before, err := db.GetSyncCursor(ctx, store.EntityUsers)
	if err != nil {
		t.Fatalf("GetSyncCursor() failed: %v", err)
	}

	// Nothing changed remotely since the full pass. The fake ignores the
	// server-side filter and returns everything, so this also proves the
	// client-side backstop drops unchanged records.
	s.cfg.IncrementalOverlap = 0

	summary, err := s.RunIncrementalSync(ctx)
	if err != nil {
		t.Fatalf("RunIncrementalSync() failed: %v", err)
	}
	if got := summary.TotalSynced(); got != 0 {
		t.Errorf("TotalSynced() = %d, want 0 for an unchanged remote", got)
	}
	if summary.Full {
		t.Error("incremental summary flagged as full")
	}

	after, err := db.GetSyncCursor(ctx, store.EntityUsers)
	if err != nil {
		t.Fatalf("GetSyncCursor() failed: %v", err)
	}
	if !after.Equal(*before) {
		t.Errorf("cursor advanced from %v to %v on an empty pass", before, after)
	}

	fake.mu.Lock()
	query := fake.lastUserQuery
	fake.mu.Unlock()
	if !strings.Contains(query, "updated_on") {
		t.Errorf("incremental fetch sent no updated_on filter: %q", query)
	}

	// Incremental passes never reconcile deletions
	fake.mu.Lock()
	fake.users = fake.users[:2]
	fake.mu.Unlock()
	if _, err := s.RunIncrementalSync(ctx); err != nil {
		t.Fatalf("RunIncrementalSync() failed: %v", err)
	}
	var carols int
	if err := db.RawDB().QueryRow(
		`SELECT COUNT(*) FROM users WHERE external_id = 3`).Scan(&carols); err != nil || carols != 1 {
		t.Errorf("carol rows after incremental = %d (err %v), want 1", carols, err)
	}
}

func TestSyncIssues_SkipsUnresolvedProject(t *testing.T) {
	fake := seedFake()
	fake.issues = append(fake.issues, tracker.Issue{
		ID: 101, Subject: "Orphan", Project: tracker.Ref{ID: 99},
		Status: tracker.Ref{Name: "New"}, CreatedOn: ts(2), UpdatedOn: ts(2),
	})
	s, db := testSyncer(t, fake)

	summary, err := s.RunFullSync(context.Background())
	if err != nil {
		t.Fatalf("RunFullSync() failed: %v", err)
	}

	r := summary.Results[store.EntityIssues]
	if r.Synced != 1 || r.Errors != 1 {
		t.Errorf("issues result = synced %d errors %d, want 1 and 1", r.Synced, r.Errors)
	}
	if len(r.ErrorSamples) == 0 || !strings.Contains(r.ErrorSamples[0], "project 99") {
		t.Errorf("error samples = %v, want a project 99 reference", r.ErrorSamples)
	}

	var orphans int
	if err := db.RawDB().QueryRow(
		`SELECT COUNT(*) FROM issues WHERE external_id = 101`).Scan(&orphans); err != nil || orphans != 0 {
		t.Errorf("orphan issue rows = %d (err %v), want 0", orphans, err)
	}
}
