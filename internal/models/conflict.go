package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConflictStatus is the conflict lifecycle state. Resolved is terminal.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictEscalated ConflictStatus = "escalated"
	ConflictResolved  ConflictStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s ConflictStatus) Valid() bool {
	switch s {
	case ConflictOpen, ConflictEscalated, ConflictResolved:
		return true
	}
	return false
}

// ConflictAlert flags one employee whose two ledgers disagree for a period.
// Unique on (EmployeeID, PeriodStart, PeriodEnd).
type ConflictAlert struct {
	ID              int64           `json:"id"`
	EmployeeID      int64           `json:"employee_id"`
	PeriodStart     Date            `json:"period_start"`
	PeriodEnd       Date            `json:"period_end"`
	SourceAHours    decimal.Decimal `json:"source_a_hours"`
	SourceBHours    decimal.Decimal `json:"source_b_hours"`
	Discrepancy     decimal.Decimal `json:"discrepancy"`
	Status          ConflictStatus  `json:"status"`
	ResolvedBy      *int64          `json:"resolved_by,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	EscalatedAt     *time.Time      `json:"escalated_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Employee *PersonSummary `json:"employee,omitempty"`
	Resolver *PersonSummary `json:"resolver,omitempty"`
}

// ConflictStats counts conflicts by status.
type ConflictStats struct {
	Total      int `json:"total"`
	Open       int `json:"open"`
	Escalated  int `json:"escalated"`
	Resolved   int `json:"resolved"`
	Unresolved int `json:"unresolved"`
}

// RunStatus is the validation run state. A run leaves running exactly once.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ValidationRun records one reconciliation execution.
type ValidationRun struct {
	ID               int64      `json:"id"`
	PeriodStart      Date       `json:"period_start"`
	PeriodEnd        Date       `json:"period_end"`
	EmployeesChecked int        `json:"employees_checked"`
	ConflictsFound   int        `json:"conflicts_found"`
	DurationMs       *int64     `json:"duration_ms,omitempty"`
	Status           RunStatus  `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}
