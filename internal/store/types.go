package store

import (
	"encoding/json"
	"time"
)

// EntityType identifies one of the synced remote collections.
type EntityType string

const (
	EntityUsers       EntityType = "users"
	EntityProjects    EntityType = "projects"
	EntityIssues      EntityType = "issues"
	EntityTimeEntries EntityType = "time_entries"
)

// SyncOrder is the referential dependency order for sync passes.
// Later entities reference earlier ones by foreign key.
var SyncOrder = []EntityType{EntityUsers, EntityProjects, EntityIssues, EntityTimeEntries}

// UserStatus is the lifecycle status of a synced user.
type UserStatus string

const (
	UserActive     UserStatus = "active"
	UserRegistered UserStatus = "registered"
	UserLocked     UserStatus = "locked"
)

// User is a locally synced tracker user.
type User struct {
	ID           int64
	ExternalID   int64
	Login        string
	DisplayName  string
	Email        string
	Status       UserStatus
	Role         string
	ManagerID    *int64 // local id of the manager, self-referential
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt time.Time
}

// Project is a locally synced tracker project.
type Project struct {
	ID           int64
	ExternalID   int64
	Name         string
	Status       string // active, archived, closed
	ParentID     *int64 // local id of the parent project
	ManagerID    *int64 // local id of the managing user
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSyncedAt time.Time
}

// Issue is a locally synced tracker issue.
type Issue struct {
	ID             int64
	ExternalID     int64
	Subject        string
	ProjectID      int64
	AssigneeID     *int64
	Status         string // free-text from the remote tracker
	EstimatedHours *float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastSyncedAt   time.Time
}

// TimeEntry is a locally synced logged-time record.
//
// SpentOn is a calendar date (UTC midnight, no time component). CreatedOn
// is the remote system's creation timestamp and is preserved as-is so the
// late-entry rule can measure the gap between logging and working.
type TimeEntry struct {
	ID           int64
	ExternalID   int64
	UserID       int64
	ProjectID    int64
	IssueID      *int64
	Hours        float64
	SpentOn      time.Time
	CreatedOn    time.Time
	UpdatedAt    time.Time
	LastSyncedAt time.Time
}

// ViolationType identifies one of the compliance rules.
type ViolationType string

const (
	ViolationMissingEntry ViolationType = "missing_entry"
	ViolationBulkLogging  ViolationType = "bulk_logging"
	ViolationLateEntry    ViolationType = "late_entry"
	ViolationRoundNumbers ViolationType = "round_numbers"
	ViolationStaleTask    ViolationType = "stale_task"
	ViolationOverrunTask  ViolationType = "overrun_task"
	ViolationPartialEntry ViolationType = "partial_entry"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ViolationStatus is the workflow status of a violation.
type ViolationStatus string

const (
	ViolationOpen     ViolationStatus = "open"
	ViolationResolved ViolationStatus = "resolved"
)

// Violation is a materialized compliance rule breach.
//
// (UserID, Type, Date) is the unique key; Date is always UTC midnight.
// Re-detection updates severity/metadata in place and re-opens resolved
// rows rather than creating duplicates.
type Violation struct {
	ID        int64
	UserID    int64
	Type      ViolationType
	Date      time.Time
	Severity  Severity
	Status    ViolationStatus
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Midnight truncates a timestamp to UTC midnight, the canonical form for
// violation dates and spent-on comparisons.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
