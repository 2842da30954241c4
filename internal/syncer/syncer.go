// Package syncer mirrors the remote tracker's collections into the local
// store.
//
// A sync pass walks the four collections in referential order (users,
// projects, issues, time entries), upserting each record keyed on its
// external id. Incremental passes fetch only records updated since the
// per-entity cursor, widened by a configurable overlap; full passes fetch
// everything and additionally reconcile deletions. The cursor for an
// entity only advances when at least one of its records landed, so a pass
// that produced nothing is retried from the same point next time.
//
// A collection fetch that skipped failing pages yields an incomplete
// remote view; the records that did arrive are still upserted, but
// deletion reconciliation for that entity is skipped until a complete
// fetch succeeds.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/store"
	"github.com/chronotrace/chronotrace/internal/tracker"
)

// maxErrorSamples bounds how many per-record error messages a Result keeps.
const maxErrorSamples = 10

// Result summarizes one entity's portion of a sync pass.
type Result struct {
	// Synced counts records upserted successfully
	Synced int

	// Errors counts records that failed to land (unresolved references,
	// storage failures) plus reconciliation failures
	Errors int

	// Deleted counts local records removed or locked during reconciliation
	Deleted int

	// ErrorSamples holds up to maxErrorSamples representative messages
	ErrorSamples []string
}

func (r *Result) addError(msg string) {
	r.Errors++
	if len(r.ErrorSamples) < maxErrorSamples {
		r.ErrorSamples = append(r.ErrorSamples, msg)
	}
}

// Summary is the outcome of a whole sync pass.
type Summary struct {
	Full     bool
	Started  time.Time
	Duration time.Duration
	Results  map[store.EntityType]*Result
}

// TotalSynced sums the synced counts across entities.
func (s *Summary) TotalSynced() int {
	n := 0
	for _, r := range s.Results {
		n += r.Synced
	}
	return n
}

// TotalErrors sums the error counts across entities.
func (s *Summary) TotalErrors() int {
	n := 0
	for _, r := range s.Results {
		n += r.Errors
	}
	return n
}

// Syncer coordinates fetches from the tracker with writes to the store.
type Syncer struct {
	client *tracker.Client
	db     *store.DB
	cfg    config.SyncConfig
	logger *log.Logger
}

// New creates a Syncer. If logger is nil, a default logger writing to
// stderr is used.
func New(client *tracker.Client, db *store.DB, cfg config.SyncConfig, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{
		client: client,
		db:     db,
		cfg:    cfg,
		logger: logger,
	}
}

// RunFullSync fetches every collection without filters, upserts all
// records, and reconciles deletions against the unfiltered remote view.
func (s *Syncer) RunFullSync(ctx context.Context) (*Summary, error) {
	return s.run(ctx, true)
}

// RunIncrementalSync fetches only records updated since each entity's
// cursor (minus the configured overlap). Deletions are not reconciled;
// a filtered fetch can't distinguish deleted from unchanged.
func (s *Syncer) RunIncrementalSync(ctx context.Context) (*Summary, error) {
	return s.run(ctx, false)
}

// seenSet is the remote external ids observed for one entity in this pass.
type seenSet map[int64]bool

func (s *Syncer) run(ctx context.Context, full bool) (*Summary, error) {
	started := time.Now().UTC()
	summary := &Summary{
		Full:    full,
		Started: started,
		Results: make(map[store.EntityType]*Result),
	}

	mode := "incremental"
	if full {
		mode = "full"
	}
	s.logger.Printf("Starting %s sync", mode)

	seen := make(map[store.EntityType]seenSet)
	for _, entity := range store.SyncOrder {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		// Captured before the fetch so records updated mid-pass fall
		// after the cursor and are picked up next time.
		passStart := time.Now().UTC()

		since, err := s.sinceFor(ctx, entity, full)
		if err != nil {
			return summary, err
		}

		var result *Result
		switch entity {
		case store.EntityUsers:
			result, seen[entity], err = s.syncUsers(ctx, since)
		case store.EntityProjects:
			result, seen[entity], err = s.syncProjects(ctx, since)
		case store.EntityIssues:
			result, seen[entity], err = s.syncIssues(ctx, since)
		case store.EntityTimeEntries:
			result, seen[entity], err = s.syncTimeEntries(ctx, since)
		}
		summary.Results[entity] = result
		if err != nil {
			return summary, fmt.Errorf("failed to sync %s: %w", entity, err)
		}

		if result.Synced > 0 {
			if err := s.db.SetSyncCursor(ctx, entity, passStart); err != nil {
				return summary, err
			}
		}

		s.logger.Printf("Synced %s: %d records, %d errors", entity, result.Synced, result.Errors)
		for _, sample := range result.ErrorSamples {
			s.logger.Printf("  %s", sample)
		}
	}

	if full {
		if err := s.reconcile(ctx, seen, summary); err != nil {
			return summary, fmt.Errorf("failed to reconcile deletions: %w", err)
		}
	}

	summary.Duration = time.Since(started)
	s.logger.Printf("%s sync complete in %s: %d records, %d errors",
		mode, summary.Duration.Round(time.Millisecond), summary.TotalSynced(), summary.TotalErrors())
	return summary, nil
}

// sinceFor computes the fetch cutoff for an entity: nil on full passes
// (fetch everything), cursor minus overlap when a cursor exists, or the
// default lookback for a never-synced entity.
func (s *Syncer) sinceFor(ctx context.Context, entity store.EntityType, full bool) (*time.Time, error) {
	if full {
		return nil, nil
	}
	cursor, err := s.db.GetSyncCursor(ctx, entity)
	if err != nil {
		return nil, err
	}
	var since time.Time
	if cursor != nil {
		since = cursor.Add(-s.cfg.IncrementalOverlap)
	} else {
		since = time.Now().UTC().Add(-s.cfg.DefaultLookback)
	}
	return &since, nil
}

// changedSince reports whether a record with the given remote timestamps
// passed the cutoff. The remote API already filters server-side; this is
// the client-side backstop for collections where that filter is unreliable.
func changedSince(since *time.Time, createdOn, updatedOn time.Time) bool {
	if since == nil {
		return true
	}
	return !updatedOn.Before(*since) || !createdOn.Before(*since)
}

// syncUsers fetches the user list, enriches it with per-user detail
// records (manager, role), upserts everything, and links managers in a
// second pass once every user of the batch has a local id.
func (s *Syncer) syncUsers(ctx context.Context, since *time.Time) (*Result, seenSet, error) {
	result := &Result{}

	remote, err := s.client.FetchUsers(ctx, tracker.FetchOptions{UpdatedAfter: since})
	partial := tracker.IsPartial(err)
	if err != nil && !partial {
		return result, nil, err
	}

	seen := make(seenSet, len(remote))
	var filtered []tracker.User
	for _, u := range remote {
		seen[u.ID] = true
		if changedSince(since, u.CreatedOn, u.UpdatedOn) {
			filtered = append(filtered, u)
		}
	}
	if partial {
		s.logger.Printf("Warning: proceeding with incomplete user collection: %v", err)
		seen = nil
	}

	ids := make([]int64, len(filtered))
	for i, u := range filtered {
		ids[i] = u.ID
	}
	detailed, err := s.client.FetchUserDetails(ctx, ids)
	if err != nil {
		return result, seen, err
	}
	details := make(map[int64]tracker.User, len(detailed))
	for _, u := range detailed {
		details[u.ID] = u
	}

	now := time.Now().UTC()
	var mu sync.Mutex
	managers := make(map[int64]int64) // user external id -> manager external id

	s.forEach(ctx, len(filtered), func(i int) {
		u := filtered[i]
		if d, ok := details[u.ID]; ok {
			u = d
		}

		rec := &store.User{
			ExternalID:   u.ID,
			Login:        u.Login,
			DisplayName:  u.DisplayName(),
			Email:        u.Mail,
			Status:       userStatus(u.Status),
			Role:         u.Role,
			CreatedAt:    u.CreatedOn,
			UpdatedAt:    u.UpdatedOn,
			LastSyncedAt: now,
		}

		_, err := s.db.UpsertUser(ctx, rec)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.addError(fmt.Sprintf("user %d: %v", u.ID, err))
			return
		}
		result.Synced++
		if u.Manager != nil {
			managers[u.ID] = u.Manager.ID
		}
	})

	// Second pass: managers may appear later in the batch than their
	// reports, so links resolve only now, against the full table.
	userIDs, err := s.db.UserExternalIDs(ctx)
	if err != nil {
		return result, seen, err
	}
	for userExt, managerExt := range managers {
		localID, ok := userIDs[userExt]
		if !ok {
			continue
		}
		managerID, ok := userIDs[managerExt]
		if !ok {
			result.addError(fmt.Sprintf("user %d: manager %d not found locally", userExt, managerExt))
			continue
		}
		if err := s.db.SetUserManager(ctx, localID, &managerID); err != nil {
			result.addError(fmt.Sprintf("user %d: %v", userExt, err))
		}
	}

	return result, seen, nil
}

// syncProjects upserts the fetched projects and links parents in a second
// pass.
func (s *Syncer) syncProjects(ctx context.Context, since *time.Time) (*Result, seenSet, error) {
	result := &Result{}

	remote, err := s.client.FetchProjects(ctx, tracker.FetchOptions{UpdatedAfter: since})
	partial := tracker.IsPartial(err)
	if err != nil && !partial {
		return result, nil, err
	}

	seen := make(seenSet, len(remote))
	var filtered []tracker.Project
	for _, p := range remote {
		seen[p.ID] = true
		if changedSince(since, p.CreatedOn, p.UpdatedOn) {
			filtered = append(filtered, p)
		}
	}
	if partial {
		s.logger.Printf("Warning: proceeding with incomplete project collection: %v", err)
		seen = nil
	}

	userIDs, err := s.db.UserExternalIDs(ctx)
	if err != nil {
		return result, seen, err
	}

	now := time.Now().UTC()
	var mu sync.Mutex
	parents := make(map[int64]int64) // project external id -> parent external id

	s.forEach(ctx, len(filtered), func(i int) {
		p := filtered[i]

		rec := &store.Project{
			ExternalID:   p.ID,
			Name:         p.Name,
			Status:       p.StatusName(),
			CreatedAt:    p.CreatedOn,
			UpdatedAt:    p.UpdatedOn,
			LastSyncedAt: now,
		}
		if p.Manager != nil {
			if managerID, ok := userIDs[p.Manager.ID]; ok {
				rec.ManagerID = &managerID
			}
		}

		_, err := s.db.UpsertProject(ctx, rec)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.addError(fmt.Sprintf("project %d: %v", p.ID, err))
			return
		}
		result.Synced++
		if p.Parent != nil {
			parents[p.ID] = p.Parent.ID
		}
	})

	projectIDs, err := s.db.ProjectExternalIDs(ctx)
	if err != nil {
		return result, seen, err
	}
	for projExt, parentExt := range parents {
		localID, ok := projectIDs[projExt]
		if !ok {
			continue
		}
		parentID, ok := projectIDs[parentExt]
		if !ok {
			result.addError(fmt.Sprintf("project %d: parent %d not found locally", projExt, parentExt))
			continue
		}
		if err := s.db.SetProjectParent(ctx, localID, &parentID); err != nil {
			result.addError(fmt.Sprintf("project %d: %v", projExt, err))
		}
	}

	return result, seen, nil
}

// syncIssues upserts the fetched issues. Issues whose project isn't known
// locally are skipped and counted as errors rather than stored with a
// dangling reference; the next pass picks them up once the project lands.
func (s *Syncer) syncIssues(ctx context.Context, since *time.Time) (*Result, seenSet, error) {
	result := &Result{}

	remote, err := s.client.FetchIssues(ctx, tracker.FetchOptions{UpdatedAfter: since})
	partial := tracker.IsPartial(err)
	if err != nil && !partial {
		return result, nil, err
	}

	seen := make(seenSet, len(remote))
	var filtered []tracker.Issue
	for _, i := range remote {
		seen[i.ID] = true
		if changedSince(since, i.CreatedOn, i.UpdatedOn) {
			filtered = append(filtered, i)
		}
	}
	if partial {
		s.logger.Printf("Warning: proceeding with incomplete issue collection: %v", err)
		seen = nil
	}

	projectIDs, err := s.db.ProjectExternalIDs(ctx)
	if err != nil {
		return result, seen, err
	}
	userIDs, err := s.db.UserExternalIDs(ctx)
	if err != nil {
		return result, seen, err
	}

	now := time.Now().UTC()
	var mu sync.Mutex

	s.forEach(ctx, len(filtered), func(idx int) {
		issue := filtered[idx]

		projectID, ok := projectIDs[issue.Project.ID]
		if !ok {
			mu.Lock()
			result.addError(fmt.Sprintf("issue %d: project %d not synced", issue.ID, issue.Project.ID))
			mu.Unlock()
			return
		}

		rec := &store.Issue{
			ExternalID:     issue.ID,
			Subject:        issue.Subject,
			ProjectID:      projectID,
			Status:         issue.Status.Name,
			EstimatedHours: issue.EstimatedHours,
			CreatedAt:      issue.CreatedOn,
			UpdatedAt:      issue.UpdatedOn,
			LastSyncedAt:   now,
		}
		if issue.AssignedTo != nil {
			if assigneeID, ok := userIDs[issue.AssignedTo.ID]; ok {
				rec.AssigneeID = &assigneeID
			}
		}

		_, err := s.db.UpsertIssue(ctx, rec)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.addError(fmt.Sprintf("issue %d: %v", issue.ID, err))
			return
		}
		result.Synced++
	})

	return result, seen, nil
}

// syncTimeEntries upserts the fetched time entries. Entries whose user or
// project isn't known locally are skipped and counted; the issue link is
// optional and dropped when unresolved.
func (s *Syncer) syncTimeEntries(ctx context.Context, since *time.Time) (*Result, seenSet, error) {
	result := &Result{}

	remote, err := s.client.FetchTimeEntries(ctx, tracker.FetchOptions{UpdatedAfter: since})
	partial := tracker.IsPartial(err)
	if err != nil && !partial {
		return result, nil, err
	}

	seen := make(seenSet, len(remote))
	var filtered []tracker.TimeEntry
	for _, e := range remote {
		seen[e.ID] = true
		if changedSince(since, e.CreatedOn, e.UpdatedOn) {
			filtered = append(filtered, e)
		}
	}
	if partial {
		s.logger.Printf("Warning: proceeding with incomplete time entry collection: %v", err)
		seen = nil
	}

	userIDs, err := s.db.UserExternalIDs(ctx)
	if err != nil {
		return result, seen, err
	}
	projectIDs, err := s.db.ProjectExternalIDs(ctx)
	if err != nil {
		return result, seen, err
	}
	issueIDs, err := s.db.IssueExternalIDs(ctx)
	if err != nil {
		return result, seen, err
	}

	now := time.Now().UTC()
	var mu sync.Mutex

	s.forEach(ctx, len(filtered), func(i int) {
		e := filtered[i]

		userID, userOK := userIDs[e.User.ID]
		projectID, projOK := projectIDs[e.Project.ID]
		if !userOK || !projOK {
			mu.Lock()
			result.addError(fmt.Sprintf("time entry %d: unresolved references (user %d, project %d)",
				e.ID, e.User.ID, e.Project.ID))
			mu.Unlock()
			return
		}

		rec := &store.TimeEntry{
			ExternalID:   e.ID,
			UserID:       userID,
			ProjectID:    projectID,
			Hours:        e.Hours,
			SpentOn:      e.SpentOn.Time,
			CreatedOn:    e.CreatedOn,
			UpdatedAt:    e.UpdatedOn,
			LastSyncedAt: now,
		}
		if e.Issue != nil {
			if issueID, ok := issueIDs[e.Issue.ID]; ok {
				rec.IssueID = &issueID
			}
		}

		_, err := s.db.UpsertTimeEntry(ctx, rec)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.addError(fmt.Sprintf("time entry %d: %v", e.ID, err))
			return
		}
		result.Synced++
	})

	return result, seen, nil
}

// forEach runs fn for each index with bounded concurrency. SQLite
// serializes the writes anyway; the bound keeps goroutine count sane on
// large collections.
func (s *Syncer) forEach(ctx context.Context, n int, fn func(i int)) {
	workers := s.cfg.BatchWorkers
	if workers <= 0 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// userStatus maps the remote numeric lifecycle code to the local status.
func userStatus(code int) store.UserStatus {
	switch code {
	case tracker.UserStatusRegistered:
		return store.UserRegistered
	case tracker.UserStatusLocked:
		return store.UserLocked
	default:
		return store.UserActive
	}
}
