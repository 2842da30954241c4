// Package tracker provides the HTTP client for the remote issue tracker.
//
// The tracker exposes four paginated JSON collections (users, projects,
// issues, time entries) plus per-user detail records. The client paginates
// with a fixed page size, retries transient failures with increasing
// backoff, aborts a collection on authorization failures, and trips a
// circuit breaker after a run of consecutive failed pages while preserving
// everything fetched so far.
package tracker

import (
	"fmt"
	"strings"
	"time"
)

// Remote lifecycle status codes for users.
const (
	UserStatusActive     = 1
	UserStatusRegistered = 2
	UserStatusLocked     = 3
)

// Remote status codes for projects.
const (
	ProjectStatusActive   = 1
	ProjectStatusClosed   = 5
	ProjectStatusArchived = 9
)

// Ref is a compact reference to another remote record.
type Ref struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Date is a calendar date with no time component, serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// UnmarshalJSON parses a YYYY-MM-DD date into UTC midnight.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// MarshalJSON serializes the date as YYYY-MM-DD.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + d.Format("2006-01-02") + `"`), nil
}

// User is a remote tracker user.
//
// The list endpoint returns a trimmed record; the detail endpoint
// (/users/{id}.json) additionally carries the manager reference and role.
type User struct {
	ID        int64     `json:"id"`
	Login     string    `json:"login"`
	FirstName string    `json:"firstname"`
	LastName  string    `json:"lastname"`
	Mail      string    `json:"mail"`
	Status    int       `json:"status"`
	Role      string    `json:"role,omitempty"`
	Manager   *Ref      `json:"manager,omitempty"`
	CreatedOn time.Time `json:"created_on"`
	UpdatedOn time.Time `json:"updated_on"`
}

// DisplayName composes the human-readable name from the remote name parts.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Login
	}
	return name
}

// Project is a remote tracker project.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Status    int       `json:"status"`
	Parent    *Ref      `json:"parent,omitempty"`
	Manager   *Ref      `json:"manager,omitempty"`
	CreatedOn time.Time `json:"created_on"`
	UpdatedOn time.Time `json:"updated_on"`
}

// StatusName maps the remote numeric project status to the local
// vocabulary (active, archived, closed). Unknown codes map to active.
func (p *Project) StatusName() string {
	switch p.Status {
	case ProjectStatusClosed:
		return "closed"
	case ProjectStatusArchived:
		return "archived"
	default:
		return "active"
	}
}

// Issue is a remote tracker issue.
type Issue struct {
	ID             int64     `json:"id"`
	Subject        string    `json:"subject"`
	Project        Ref       `json:"project"`
	AssignedTo     *Ref      `json:"assigned_to,omitempty"`
	Status         Ref       `json:"status"`
	EstimatedHours *float64  `json:"estimated_hours,omitempty"`
	CreatedOn      time.Time `json:"created_on"`
	UpdatedOn      time.Time `json:"updated_on"`
}

// TimeEntry is a remote logged-time record. SpentOn is the calendar day
// the time was worked; CreatedOn is when the entry was logged in the
// tracker. The gap between the two is what the late-entry rule measures.
type TimeEntry struct {
	ID        int64     `json:"id"`
	User      Ref       `json:"user"`
	Project   Ref       `json:"project"`
	Issue     *Ref      `json:"issue,omitempty"`
	Hours     float64   `json:"hours"`
	SpentOn   Date      `json:"spent_on"`
	CreatedOn time.Time `json:"created_on"`
	UpdatedOn time.Time `json:"updated_on"`
}

// Collection envelopes. The tracker wraps every list response in an object
// keyed by the collection name plus paging fields.

type usersEnvelope struct {
	Users      []User `json:"users"`
	TotalCount int    `json:"total_count"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
}

type userEnvelope struct {
	User User `json:"user"`
}

type projectsEnvelope struct {
	Projects   []Project `json:"projects"`
	TotalCount int       `json:"total_count"`
	Offset     int       `json:"offset"`
	Limit      int       `json:"limit"`
}

type issuesEnvelope struct {
	Issues     []Issue `json:"issues"`
	TotalCount int     `json:"total_count"`
	Offset     int     `json:"offset"`
	Limit      int     `json:"limit"`
}

type timeEntriesEnvelope struct {
	TimeEntries []TimeEntry `json:"time_entries"`
	TotalCount  int         `json:"total_count"`
	Offset      int         `json:"offset"`
	Limit       int         `json:"limit"`
}
