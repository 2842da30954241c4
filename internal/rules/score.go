package rules

import (
	"context"

	"github.com/chronotrace/chronotrace/internal/store"
)

// severityPenalty is the score deduction per open violation.
var severityPenalty = map[store.Severity]int{
	store.SeverityLow:    2,
	store.SeverityMedium: 5,
	store.SeverityHigh:   10,
}

// Score computes the 0-100 compliance score for one user's open
// violations. A violation-free user scores 100; the floor is 0.
func Score(severities []store.Severity) int {
	score := 100
	for _, s := range severities {
		score -= severityPenalty[s]
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ScoreUsers computes scores for every active user. Users with no open
// violations are included at 100 so a clean record is visible, not absent.
func (e *Engine) ScoreUsers(ctx context.Context) (map[int64]int, error) {
	users, err := e.db.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	open, err := e.db.OpenViolationSeverities(ctx)
	if err != nil {
		return nil, err
	}

	scores := make(map[int64]int, len(users))
	for _, u := range users {
		scores[u.ID] = Score(open[u.ID])
	}
	return scores, nil
}
