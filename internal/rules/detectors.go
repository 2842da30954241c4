package rules

import (
	"math"
	"strings"
	"time"

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/store"
)

// closedIssueStatuses are the remote status names (case-insensitive) that
// mean an issue is no longer open for the stale-task rule.
var closedIssueStatuses = map[string]bool{
	"closed":   true,
	"resolved": true,
	"rejected": true,
	"done":     true,
}

// daysBetween returns whole calendar days from a to b (both truncated to
// midnight). Negative when b precedes a.
func daysBetween(a, b time.Time) int {
	return int(store.Midnight(b).Sub(store.Midnight(a)).Hours() / 24)
}

// weekStart returns the Monday (UTC midnight) of the ISO week containing t.
func weekStart(t time.Time) time.Time {
	t = store.Midnight(t)
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	return t.AddDate(0, 0, -offset)
}

// detectMissingEntries flags active users with zero time entries dated
// within the last MissingEntryDays. Severity high: no record of work at
// all is the strongest signal.
func detectMissingEntries(snap *snapshot, cfg config.RuleConfig, asOf time.Time) []Candidate {
	windowStart := asOf.AddDate(0, 0, -cfg.MissingEntryDays)

	lastEntry := make(map[int64]time.Time)
	inWindow := make(map[int64]bool)
	for _, e := range snap.entries {
		if e.SpentOn.After(lastEntry[e.UserID]) {
			lastEntry[e.UserID] = e.SpentOn
		}
		if !e.SpentOn.Before(windowStart) && !e.SpentOn.After(asOf) {
			inWindow[e.UserID] = true
		}
	}

	var out []Candidate
	for _, u := range snap.users {
		if inWindow[u.ID] {
			continue
		}

		ev := MissingEntryEvidence{WindowDays: cfg.MissingEntryDays}
		if last, ok := lastEntry[u.ID]; ok {
			ev.DaysWithoutEntry = daysBetween(last, asOf)
			lastCopy := last
			ev.LastEntryDate = &lastCopy
		} else {
			ev.DaysWithoutEntry = -1 // never logged anything
		}

		out = append(out, Candidate{
			UserID:   u.ID,
			Type:     store.ViolationMissingEntry,
			Date:     asOf,
			Severity: store.SeverityHigh,
			Evidence: ev,
		})
	}
	return out
}

// detectBulkLogging flags groups of entries sharing one exact creation
// timestamp whose size reaches BulkLoggingThreshold and whose spent-on
// dates span at least BulkLoggingSpanDays distinct days, the signature
// of back-filling many days at once.
func detectBulkLogging(snap *snapshot, cfg config.RuleConfig, _ time.Time) []Candidate {
	type groupKey struct {
		userID    int64
		createdOn time.Time
	}
	type group struct {
		entries []*store.TimeEntry
		days    map[time.Time]bool
		hours   float64
	}

	groups := make(map[groupKey]*group)
	for _, e := range snap.entries {
		key := groupKey{userID: e.UserID, createdOn: e.CreatedOn}
		g := groups[key]
		if g == nil {
			g = &group{days: make(map[time.Time]bool)}
			groups[key] = g
		}
		g.entries = append(g.entries, e)
		g.days[store.Midnight(e.SpentOn)] = true
		g.hours += e.Hours
	}

	var out []Candidate
	for key, g := range groups {
		if len(g.entries) < cfg.BulkLoggingThreshold {
			continue
		}
		if len(g.days) < cfg.BulkLoggingSpanDays {
			continue
		}
		out = append(out, Candidate{
			UserID:   key.userID,
			Type:     store.ViolationBulkLogging,
			Date:     key.createdOn,
			Severity: store.SeverityMedium,
			Evidence: BulkLoggingEvidence{
				EntryCount:   len(g.entries),
				DistinctDays: len(g.days),
				CreatedOn:    key.createdOn,
				TotalHours:   g.hours,
			},
		})
	}
	return out
}

// detectLateEntries flags entries created within the last
// LateEntryCheckDays whose logging lagged the worked day by more than
// LateEntryDays. Gaps beyond a week escalate to high.
func detectLateEntries(snap *snapshot, cfg config.RuleConfig, asOf time.Time) []Candidate {
	checkStart := asOf.AddDate(0, 0, -cfg.LateEntryCheckDays)

	var out []Candidate
	for _, e := range snap.entries {
		if store.Midnight(e.CreatedOn).Before(checkStart) {
			continue
		}

		gap := daysBetween(e.SpentOn, e.CreatedOn)
		if gap <= cfg.LateEntryDays {
			continue
		}

		severity := store.SeverityMedium
		if gap > 7 {
			severity = store.SeverityHigh
		}

		out = append(out, Candidate{
			UserID:   e.UserID,
			Type:     store.ViolationLateEntry,
			Date:     e.SpentOn,
			Severity: severity,
			Evidence: LateEntryEvidence{
				SpentOn:   e.SpentOn,
				CreatedOn: e.CreatedOn,
				GapDays:   gap,
				Hours:     e.Hours,
			},
		})
	}
	return out
}

// roundNumberWindowDays is the lookback for the round-numbers pattern.
const roundNumberWindowDays = 7

// roundNumberMinCount is how many round entries in the window flag a user.
const roundNumberMinCount = 5

// detectRoundNumbers flags users whose recent entries are dominated by
// even whole-hour values (2, 4, 6, 8...). A pattern, not proof, of
// inflated logging, so severity stays low. One violation per user.
func detectRoundNumbers(snap *snapshot, cfg config.RuleConfig, asOf time.Time) []Candidate {
	windowStart := asOf.AddDate(0, 0, -roundNumberWindowDays)
	active := snap.activeUserSet()

	counts := make(map[int64]int)
	for _, e := range snap.entries {
		if !active[e.UserID] {
			continue
		}
		if e.SpentOn.Before(windowStart) || e.SpentOn.After(asOf) {
			continue
		}
		if e.Hours < 2 {
			continue
		}
		if e.Hours != math.Trunc(e.Hours) {
			continue
		}
		if int64(e.Hours)%2 != 0 {
			continue
		}
		counts[e.UserID]++
	}

	var out []Candidate
	for userID, count := range counts {
		if count < roundNumberMinCount {
			continue
		}
		out = append(out, Candidate{
			UserID:   userID,
			Type:     store.ViolationRoundNumbers,
			Date:     asOf,
			Severity: store.SeverityLow,
			Evidence: RoundNumbersEvidence{
				RoundCount: count,
				WindowDays: roundNumberWindowDays,
			},
		})
	}
	return out
}

// detectStaleTasks flags open, assigned issues with zero logged time in
// the last StaleTaskDays. Only issues updated within StaleTaskMonths are
// considered so long-dead backlog items aren't re-flagged forever. The
// violation is attributed to the assignee.
func detectStaleTasks(snap *snapshot, cfg config.RuleConfig, asOf time.Time) []Candidate {
	windowStart := asOf.AddDate(0, 0, -cfg.StaleTaskDays)
	activityFloor := asOf.AddDate(0, -cfg.StaleTaskMonths, 0)

	lastSpent := make(map[int64]time.Time) // issue id -> latest spent_on
	recentSpent := make(map[int64]bool)    // issue id -> activity in window
	for _, e := range snap.entries {
		if e.IssueID == nil {
			continue
		}
		if e.SpentOn.After(lastSpent[*e.IssueID]) {
			lastSpent[*e.IssueID] = e.SpentOn
		}
		if !e.SpentOn.Before(windowStart) && !e.SpentOn.After(asOf) {
			recentSpent[*e.IssueID] = true
		}
	}

	var out []Candidate
	for _, issue := range snap.issues {
		if issue.AssigneeID == nil {
			continue
		}
		if closedIssueStatuses[strings.ToLower(issue.Status)] {
			continue
		}
		if store.Midnight(issue.UpdatedAt).Before(activityFloor) {
			continue
		}
		if recentSpent[issue.ID] {
			continue
		}

		ev := StaleTaskEvidence{
			IssueID: issue.ID,
			Subject: issue.Subject,
			Status:  issue.Status,
		}
		if last, ok := lastSpent[issue.ID]; ok {
			ev.IdleDays = daysBetween(last, asOf)
			lastCopy := last
			ev.LastSpentOn = &lastCopy
		} else {
			ev.IdleDays = daysBetween(issue.CreatedAt, asOf)
		}

		out = append(out, Candidate{
			UserID:   *issue.AssigneeID,
			Type:     store.ViolationStaleTask,
			Date:     asOf,
			Severity: store.SeverityMedium,
			Evidence: ev,
		})
	}
	return out
}

// detectOverruns flags issues whose total logged hours exceed the
// estimate times the configured multiplier. Spent strictly greater than
// the threshold trips the rule; more than double the estimate escalates
// to high. Attributed to the assignee.
func detectOverruns(snap *snapshot, cfg config.RuleConfig, asOf time.Time) []Candidate {
	multiplier := cfg.OverrunMultiplier()

	var out []Candidate
	for _, issue := range snap.issues {
		if issue.EstimatedHours == nil || *issue.EstimatedHours <= 0 {
			continue
		}
		if issue.AssigneeID == nil {
			continue
		}

		spent := snap.spentByIssue[issue.ID]
		if spent > cfg.MaxSpentHours {
			// Beyond the sanity ceiling: a data error, not an overrun
			continue
		}

		estimated := *issue.EstimatedHours
		if spent <= estimated*multiplier {
			continue
		}

		severity := store.SeverityMedium
		if spent > estimated*2 {
			severity = store.SeverityHigh
		}

		out = append(out, Candidate{
			UserID:   *issue.AssigneeID,
			Type:     store.ViolationOverrunTask,
			Date:     asOf,
			Severity: severity,
			Evidence: OverrunEvidence{
				IssueID:    issue.ID,
				Subject:    issue.Subject,
				Estimated:  estimated,
				Spent:      spent,
				Percentage: spent / estimated * 100,
			},
		})
	}
	return out
}

// detectPartialEntries flags (user, project, issue-or-none, week) streams
// of an active user whose summed hours over an ISO week fall short of the
// weekly target. Every week with entries is judged, including the week in
// progress. The violation is dated at the week's Monday.
func detectPartialEntries(snap *snapshot, cfg config.RuleConfig, _ time.Time) []Candidate {
	type groupKey struct {
		userID    int64
		projectID int64
		issueID   int64 // 0 = no issue
		week      time.Time
	}
	active := snap.activeUserSet()

	totals := make(map[groupKey]float64)
	for _, e := range snap.entries {
		if !active[e.UserID] {
			continue
		}
		key := groupKey{userID: e.UserID, projectID: e.ProjectID, week: weekStart(e.SpentOn)}
		if e.IssueID != nil {
			key.issueID = *e.IssueID
		}
		totals[key] += e.Hours
	}

	var out []Candidate
	for key, total := range totals {
		if total >= cfg.WeeklyHoursTarget {
			continue
		}

		ev := PartialEntryEvidence{
			WeekStart:   key.week,
			ProjectID:   key.projectID,
			TotalHours:  total,
			TargetHours: cfg.WeeklyHoursTarget,
		}
		if key.issueID != 0 {
			issueID := key.issueID
			ev.IssueID = &issueID
		}

		out = append(out, Candidate{
			UserID:   key.userID,
			Type:     store.ViolationPartialEntry,
			Date:     key.week,
			Severity: store.SeverityLow,
			Evidence: ev,
		})
	}
	return out
}
