package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies one of the two isolated report ledgers.
type Source string

const (
	// SourceA is the project-centric ledger submitted by project owners.
	SourceA Source = "source_a"
	// SourceB is the department-centric ledger submitted by department managers.
	SourceB Source = "source_b"
)

// SubmitterRole is the only role allowed to create reports in the ledger.
func (s Source) SubmitterRole() string {
	if s == SourceA {
		return RoleProjectOwner
	}
	return RoleDeptManager
}

// Other returns the opposite ledger.
func (s Source) Other() Source {
	if s == SourceA {
		return SourceB
	}
	return SourceA
}

// EntityKind names the reporting entity: project for A, department for B.
func (s Source) EntityKind() string {
	if s == SourceA {
		return "project"
	}
	return "department"
}

// SubjectType is the audit subject type for headers of this ledger.
func (s Source) SubjectType() string {
	return s.EntityKind() + "_report"
}

// ReportStatus is the header lifecycle state.
type ReportStatus string

const (
	ReportDraft     ReportStatus = "draft"
	ReportSubmitted ReportStatus = "submitted"
	ReportAmended   ReportStatus = "amended"
)

// IsFinal reports whether the status is eligible for aggregation.
func (s ReportStatus) IsFinal() bool {
	return s == ReportSubmitted || s == ReportAmended
}

// MaxWeeklyHours bounds a single entry.
var MaxWeeklyHours = decimal.NewFromInt(168)

// ReportHeader is one period report for one entity.
type ReportHeader struct {
	ID          int64        `json:"id"`
	Source      Source       `json:"source"`
	EntityID    int64        `json:"entity_id"`
	SubmittedBy int64        `json:"submitted_by"`
	PeriodStart Date         `json:"period_start"`
	PeriodEnd   Date         `json:"period_end"`
	Status      ReportStatus `json:"status"`
	Comments    string       `json:"comments"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`

	Entries    []ReportEntry `json:"entries,omitempty"`
	Amendments []Amendment   `json:"amendments,omitempty"`
}

// Period returns the header's reporting period.
func (h *ReportHeader) Period() Period {
	return Period{Start: h.PeriodStart, End: h.PeriodEnd}
}

// ReportEntry is one employee's hours within a header.
type ReportEntry struct {
	ID         int64           `json:"id"`
	ReportID   int64           `json:"report_id"`
	EmployeeID int64           `json:"employee_id"`
	ProjectID  *int64          `json:"project_id,omitempty"` // Source B only
	Hours      decimal.Decimal `json:"hours"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Amendment is the immutable record of one post-submission change.
type Amendment struct {
	ID        int64           `json:"id"`
	ReportID  int64           `json:"report_id"`
	AmendedBy int64           `json:"amended_by"`
	Reason    string          `json:"reason"`
	Before    json.RawMessage `json:"before"`
	After     json.RawMessage `json:"after"`
	CreatedAt time.Time       `json:"created_at"`
}
