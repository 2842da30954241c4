// Package rules implements the compliance rule engine.
//
// Seven independent detectors evaluate the synced local data against
// configurable thresholds and produce candidate violations; candidates are
// unioned (no detector suppresses another) and materialized idempotently
// into the violation store, keyed on (user, type, day). A scorer derives a
// 0-100 compliance score per user from the open violations.
//
// Detectors are pure functions of (snapshot, config, as-of date); all the
// reading happens up front in loadSnapshot so a rule pass sees one
// consistent view of the data.
package rules

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/chronotrace/chronotrace/internal/config"
	"github.com/chronotrace/chronotrace/internal/store"
)

// InsightSource generates prose summaries from violation and aggregate
// data. It is an external collaborator; the engine only defines the seam.
type InsightSource interface {
	GenerateInsight(ctx context.Context, report *Report) (string, error)
}

// Candidate is a detected-but-not-yet-stored violation.
type Candidate struct {
	UserID   int64
	Type     store.ViolationType
	Date     time.Time
	Severity store.Severity
	Evidence Evidence
}

// Report is the outcome of one compliance pass.
type Report struct {
	// Violations holds the stored rows for every candidate of this pass
	Violations []*store.Violation

	// Scores maps user local id to the 0-100 compliance score
	Scores map[int64]int

	// AsOf is the evaluation date of the pass
	AsOf time.Time
}

// Engine runs the compliance detectors and materializes their findings.
type Engine struct {
	db       *store.DB
	provider config.Provider
	logger   *log.Logger
}

// New creates an Engine. If logger is nil, a default logger writing to
// stderr is used.
func New(db *store.DB, provider config.Provider, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[rules] ", log.LstdFlags)
	}
	return &Engine{
		db:       db,
		provider: provider,
		logger:   logger,
	}
}

// RunChecks evaluates all seven detectors as of the given date, upserts
// the detected violations, and returns the stored rows plus per-user
// scores.
//
// Per-candidate storage failures are logged and counted; they never abort
// the pass. Running twice back-to-back with unchanged data yields the same
// violation count, not double.
func (e *Engine) RunChecks(ctx context.Context, asOf time.Time) (*Report, error) {
	asOf = store.Midnight(asOf)
	cfg := e.provider.RuleConfig()

	snap, err := e.loadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load data snapshot: %w", err)
	}

	e.logger.Printf("Running compliance checks as of %s (%d active users, %d issues, %d entries)",
		asOf.Format("2006-01-02"), len(snap.users), len(snap.issues), len(snap.entries))

	var candidates []Candidate
	candidates = append(candidates, detectMissingEntries(snap, cfg, asOf)...)
	candidates = append(candidates, detectBulkLogging(snap, cfg, asOf)...)
	candidates = append(candidates, detectLateEntries(snap, cfg, asOf)...)
	candidates = append(candidates, detectRoundNumbers(snap, cfg, asOf)...)
	candidates = append(candidates, detectStaleTasks(snap, cfg, asOf)...)
	candidates = append(candidates, detectOverruns(snap, cfg, asOf)...)
	candidates = append(candidates, detectPartialEntries(snap, cfg, asOf)...)

	report := &Report{
		Scores: make(map[int64]int),
		AsOf:   asOf,
	}

	storeErrors := 0
	for _, cand := range candidates {
		v := &store.Violation{
			UserID:   cand.UserID,
			Type:     cand.Type,
			Date:     cand.Date,
			Severity: cand.Severity,
			Metadata: marshalEvidence(cand.Evidence),
		}
		id, err := e.db.UpsertViolation(ctx, v)
		if err != nil {
			e.logger.Printf("Warning: failed to store %s violation for user %d: %v",
				cand.Type, cand.UserID, err)
			storeErrors++
			continue
		}
		v.ID = id
		v.Status = store.ViolationOpen
		report.Violations = append(report.Violations, v)
	}

	scores, err := e.ScoreUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to score users: %w", err)
	}
	report.Scores = scores

	e.logger.Printf("Compliance pass complete: %d candidates, %d stored, %d errors",
		len(candidates), len(report.Violations), storeErrors)

	return report, nil
}

// snapshot is the read-only view of local data a rule pass evaluates.
type snapshot struct {
	users        []*store.User // active users only
	issues       []*store.Issue
	entries      []*store.TimeEntry
	spentByIssue map[int64]float64
}

// loadSnapshot reads everything the detectors need in one sweep.
func (e *Engine) loadSnapshot(ctx context.Context) (*snapshot, error) {
	users, err := e.db.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	issues, err := e.db.ListIssues(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := e.db.ListTimeEntries(ctx)
	if err != nil {
		return nil, err
	}
	spent, err := e.db.SpentHoursByIssue(ctx)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		users:        users,
		issues:       issues,
		entries:      entries,
		spentByIssue: spent,
	}, nil
}

// activeUserSet returns the local ids of the snapshot's active users.
func (s *snapshot) activeUserSet() map[int64]bool {
	set := make(map[int64]bool, len(s.users))
	for _, u := range s.users {
		set[u.ID] = true
	}
	return set
}
