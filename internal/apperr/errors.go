// Package apperr holds the error taxonomy shared by the ledger, reconciliation,
// escalation and resolution services. Services return these (possibly wrapped);
// the HTTP layer maps them to status codes with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation marks malformed input. Use *ValidationError to carry field messages.
	ErrValidation = errors.New("validation failed")

	// ErrAuthorizationDenied is returned for every role, isolation or ownership failure.
	// It never says which rule fired.
	ErrAuthorizationDenied = errors.New("access denied")

	// ErrAlreadySubmitted is returned when submitting a report that is not a draft.
	ErrAlreadySubmitted = errors.New("report already submitted")

	// ErrAlreadyResolved is returned when resolving a resolved conflict.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrDuplicatePeriod is returned when an entity already has a report starting on that date.
	ErrDuplicatePeriod = errors.New("report already exists for this period")

	// ErrDuplicateEntry is returned when an employee already has an entry in the report.
	ErrDuplicateEntry = errors.New("entry already exists for this employee")

	// ErrImmutableRecord is returned on any attempt to mutate a finalized report,
	// an amendment, a finished validation run or an audit entry.
	ErrImmutableRecord = errors.New("record is immutable")

	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRunInProgress is returned when a single-flight job is already running somewhere.
	ErrRunInProgress = errors.New("run already in progress")
)

// ValidationError carries field-level messages keyed by JSON field name.
type ValidationError struct {
	Fields map[string]string
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Add records a message for field and returns the receiver for chaining.
func (e *ValidationError) Add(field, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
	return e
}

// OrNil returns nil when no field failed, so callers can write `return v.OrNil()`.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// RunFailure wraps an unexpected error raised inside a batch job. The run record
// has already been marked failed when this is returned.
type RunFailure struct {
	Job   string
	RunID int64
	Err   error
}

func (e *RunFailure) Error() string {
	if e.RunID > 0 {
		return fmt.Sprintf("%s run %d failed: %v", e.Job, e.RunID, e.Err)
	}
	return fmt.Sprintf("%s run failed: %v", e.Job, e.Err)
}

func (e *RunFailure) Unwrap() error {
	return e.Err
}

// IsStateConflict reports whether err is a lifecycle violation the client can act on.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrAlreadySubmitted) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrDuplicatePeriod) ||
		errors.Is(err, ErrDuplicateEntry) ||
		errors.Is(err, ErrRunInProgress)
}
