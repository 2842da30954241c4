package syncer

import (
	"context"
	"fmt"

	"github.com/chronotrace/chronotrace/internal/store"
)

// reconcile removes local records whose external id no longer appears in
// the remote collections. Only valid after an unfiltered full pass; a
// filtered fetch omitting a record proves nothing about its existence.
//
// Entities are processed in reverse referential order so cascades run
// before the rows they depend on are touched. Users are the exception to
// hard deletion: a user with dependent records (entries, assignments,
// violations, reports) is locked instead so audit trails keep their
// subject.
//
// A nil seen set marks an entity whose fetch was incomplete; diffing
// against a partial view would remove records that still exist remotely,
// so that entity is skipped. An empty set is a legitimately empty remote
// and reconciles normally.
func (s *Syncer) reconcile(ctx context.Context, seen map[store.EntityType]seenSet, summary *Summary) error {
	for i := len(store.SyncOrder) - 1; i >= 0; i-- {
		entity := store.SyncOrder[i]
		if seen[entity] == nil {
			s.logger.Printf("Skipping %s reconciliation: remote view was incomplete", entity)
			continue
		}
		result := summary.Results[entity]
		if result == nil {
			result = &Result{}
			summary.Results[entity] = result
		}

		var err error
		switch entity {
		case store.EntityUsers:
			err = s.reconcileUsers(ctx, seen[entity], result)
		case store.EntityProjects:
			err = s.reconcileTable(ctx, seen[entity], result, "project",
				s.db.ProjectExternalIDs, s.db.DeleteProject)
		case store.EntityIssues:
			err = s.reconcileTable(ctx, seen[entity], result, "issue",
				s.db.IssueExternalIDs, s.db.DeleteIssue)
		case store.EntityTimeEntries:
			err = s.reconcileTable(ctx, seen[entity], result, "time entry",
				s.db.TimeEntryExternalIDs, s.db.DeleteTimeEntry)
		}
		if err != nil {
			return err
		}

		if result.Deleted > 0 {
			s.logger.Printf("Reconciled %s: %d removed remotely", entity, result.Deleted)
		}
	}
	return nil
}

// reconcileTable diffs one table against the remote view and hard-deletes
// the rows the remote no longer has.
func (s *Syncer) reconcileTable(ctx context.Context, seen seenSet, result *Result, kind string,
	list func(context.Context) (map[int64]int64, error),
	del func(context.Context, int64) error) error {

	local, err := list(ctx)
	if err != nil {
		return err
	}
	for ext, id := range local {
		if seen[ext] {
			continue
		}
		if err := del(ctx, id); err != nil {
			result.addError(fmt.Sprintf("%s %d: %v", kind, ext, err))
			continue
		}
		result.Deleted++
	}
	return nil
}

// reconcileUsers locks users with dependent records and hard-deletes the
// rest.
func (s *Syncer) reconcileUsers(ctx context.Context, seen seenSet, result *Result) error {
	local, err := s.db.UserExternalIDs(ctx)
	if err != nil {
		return err
	}
	for ext, id := range local {
		if seen[ext] {
			continue
		}

		dependents, err := s.db.UserDependentCount(ctx, id)
		if err != nil {
			result.addError(fmt.Sprintf("user %d: %v", ext, err))
			continue
		}

		if dependents > 0 {
			err = s.db.LockUser(ctx, id)
		} else {
			err = s.db.DeleteUser(ctx, id)
		}
		if err != nil {
			result.addError(fmt.Sprintf("user %d: %v", ext, err))
			continue
		}
		result.Deleted++
	}
	return nil
}
