package rules

import (
	"encoding/json"
	"time"
)

// Evidence is the typed payload stored in a violation's metadata column.
// Each violation type has its own variant; storage serializes them
// opaquely but detectors and consumers work with the concrete structs.
type Evidence interface {
	// evidence is a marker; it keeps foreign types out of the union.
	evidence()
}

// MissingEntryEvidence backs missing_entry violations.
type MissingEntryEvidence struct {
	DaysWithoutEntry int        `json:"days_without_entry"`
	LastEntryDate    *time.Time `json:"last_entry_date,omitempty"`
	WindowDays       int        `json:"window_days"`
}

// BulkLoggingEvidence backs bulk_logging violations: many entries created
// in one instant spanning several worked days.
type BulkLoggingEvidence struct {
	EntryCount   int       `json:"entry_count"`
	DistinctDays int       `json:"distinct_days"`
	CreatedOn    time.Time `json:"created_on"`
	TotalHours   float64   `json:"total_hours"`
}

// LateEntryEvidence backs late_entry violations.
type LateEntryEvidence struct {
	SpentOn   time.Time `json:"spent_on"`
	CreatedOn time.Time `json:"created_on"`
	GapDays   int       `json:"gap_days"`
	Hours     float64   `json:"hours"`
}

// RoundNumbersEvidence backs round_numbers violations: a pattern of even,
// integral hour totals.
type RoundNumbersEvidence struct {
	RoundCount int `json:"round_count"`
	WindowDays int `json:"window_days"`
}

// StaleTaskEvidence backs stale_task violations.
type StaleTaskEvidence struct {
	IssueID     int64      `json:"issue_id"`
	Subject     string     `json:"subject"`
	Status      string     `json:"status"`
	IdleDays    int        `json:"idle_days"`
	LastSpentOn *time.Time `json:"last_spent_on,omitempty"`
}

// OverrunEvidence backs overrun_task violations.
type OverrunEvidence struct {
	IssueID    int64   `json:"issue_id"`
	Subject    string  `json:"subject"`
	Estimated  float64 `json:"estimated"`
	Spent      float64 `json:"spent"`
	Percentage float64 `json:"percentage"`
}

// PartialEntryEvidence backs partial_entry violations: a week with
// under-target hours on one (project, issue) stream.
type PartialEntryEvidence struct {
	WeekStart   time.Time `json:"week_start"`
	ProjectID   int64     `json:"project_id"`
	IssueID     *int64    `json:"issue_id,omitempty"`
	TotalHours  float64   `json:"total_hours"`
	TargetHours float64   `json:"target_hours"`
}

func (MissingEntryEvidence) evidence() {}
func (BulkLoggingEvidence) evidence()  {}
func (LateEntryEvidence) evidence()    {}
func (RoundNumbersEvidence) evidence() {}
func (StaleTaskEvidence) evidence()    {}
func (OverrunEvidence) evidence()      {}
func (PartialEntryEvidence) evidence() {}

// marshalEvidence serializes an evidence variant for storage. A marshal
// failure degrades to an empty object rather than dropping the violation.
func marshalEvidence(e Evidence) json.RawMessage {
	data, err := json.Marshal(e)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
