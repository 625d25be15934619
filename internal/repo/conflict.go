package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/models"
)

// ConflictRepo persists conflict alerts.
type ConflictRepo struct{}

func NewConflictRepo() *ConflictRepo {
	return &ConflictRepo{}
}

const conflictCols = `c.id, c.employee_id, c.period_start, c.period_end, c.source_a_hours, c.source_b_hours,
	c.discrepancy, c.status, c.resolved_by, COALESCE(c.resolution_notes, ''), c.resolved_at, c.escalated_at,
	c.created_at, c.updated_at`

func conflictDest(c *models.ConflictAlert, resolvedBy *sql.NullInt64, resolvedAt, escalatedAt *sql.NullTime) []any {
	return []any{&c.ID, &c.EmployeeID, &c.PeriodStart, &c.PeriodEnd, &c.SourceAHours, &c.SourceBHours,
		&c.Discrepancy, &c.Status, resolvedBy, &c.ResolutionNotes, resolvedAt, escalatedAt,
		&c.CreatedAt, &c.UpdatedAt}
}

func fillNullable(c *models.ConflictAlert, resolvedBy sql.NullInt64, resolvedAt, escalatedAt sql.NullTime) {
	if resolvedBy.Valid {
		c.ResolvedBy = &resolvedBy.Int64
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	if escalatedAt.Valid {
		c.EscalatedAt = &escalatedAt.Time
	}
}

func scanConflict(row Row, extra ...any) (*models.ConflictAlert, error) {
	c := &models.ConflictAlert{}
	var resolvedBy sql.NullInt64
	var resolvedAt, escalatedAt sql.NullTime
	dest := append(conflictDest(c, &resolvedBy, &resolvedAt, &escalatedAt), extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	fillNullable(c, resolvedBy, resolvedAt, escalatedAt)
	return c, nil
}

// UpsertOutcome says what an upsert did to the row.
type UpsertOutcome int

const (
	// UpsertUnchanged means no write happened: same hours, or the row is resolved.
	UpsertUnchanged UpsertOutcome = iota
	UpsertInserted
	UpsertUpdated
)

// Upsert creates the alert for (employee, period) or refreshes an unresolved
// one whose hours changed. Refreshing resets it to open and clears escalation
// and resolution fields. Resolved rows and rows with identical hours are not
// written, which keeps re-runs idempotent.
func (r *ConflictRepo) Upsert(ctx context.Context, q Querier, in models.ConflictAlert) (*models.ConflictAlert, UpsertOutcome, error) {
	query := `
		INSERT INTO conflict_alerts AS c
			(employee_id, period_start, period_end, source_a_hours, source_b_hours, discrepancy, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'open')
		ON CONFLICT (employee_id, period_start, period_end) DO UPDATE
		SET source_a_hours = EXCLUDED.source_a_hours,
		    source_b_hours = EXCLUDED.source_b_hours,
		    discrepancy = EXCLUDED.discrepancy,
		    status = 'open',
		    escalated_at = NULL,
		    resolved_by = NULL,
		    resolution_notes = NULL,
		    resolved_at = NULL,
		    updated_at = now()
		WHERE c.status <> 'resolved'
		  AND (c.source_a_hours, c.source_b_hours) IS DISTINCT FROM (EXCLUDED.source_a_hours, EXCLUDED.source_b_hours)
		RETURNING ` + conflictCols + `, (xmax = 0) AS inserted`

	var inserted bool
	c, err := scanConflict(q.QueryRowContext(ctx, query,
		in.EmployeeID, in.PeriodStart, in.PeriodEnd, in.SourceAHours, in.SourceBHours, in.Discrepancy), &inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, UpsertUnchanged, nil
	}
	if err != nil {
		return nil, UpsertUnchanged, fmt.Errorf("upsert conflict_alerts: %w", err)
	}
	if inserted {
		return c, UpsertInserted, nil
	}
	return c, UpsertUpdated, nil
}

// LockByKey returns the alert for (employee, period) locked FOR UPDATE, or ErrNotFound.
func (r *ConflictRepo) LockByKey(ctx context.Context, q Querier, employeeID int64, p models.Period) (*models.ConflictAlert, error) {
	query := `SELECT ` + conflictCols + ` FROM conflict_alerts c
		WHERE c.employee_id = $1 AND c.period_start = $2 AND c.period_end = $3
		FOR UPDATE`
	c, err := scanConflict(q.QueryRowContext(ctx, query, employeeID, p.Start, p.End))
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

// Lock returns one alert locked FOR UPDATE.
func (r *ConflictRepo) Lock(ctx context.Context, q Querier, id int64) (*models.ConflictAlert, error) {
	query := `SELECT ` + conflictCols + ` FROM conflict_alerts c WHERE c.id = $1 FOR UPDATE`
	c, err := scanConflict(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

const conflictJoins = `
	FROM conflict_alerts c
	LEFT JOIN users e ON e.id = c.employee_id
	LEFT JOIN users rv ON rv.id = c.resolved_by`

const conflictPeopleCols = `, COALESCE(e.name, ''), COALESCE(e.email, ''), COALESCE(rv.name, ''), COALESCE(rv.email, '')`

func scanConflictWithPeople(row Row) (*models.ConflictAlert, error) {
	var empName, empEmail, resName, resEmail string
	c, err := scanConflict(row, &empName, &empEmail, &resName, &resEmail)
	if err != nil {
		return nil, err
	}
	c.Employee = &models.PersonSummary{ID: c.EmployeeID, Name: empName, Email: empEmail}
	if c.ResolvedBy != nil {
		c.Resolver = &models.PersonSummary{ID: *c.ResolvedBy, Name: resName, Email: resEmail}
	}
	return c, nil
}

// Get returns one alert with employee and resolver summaries.
func (r *ConflictRepo) Get(ctx context.Context, q Querier, id int64) (*models.ConflictAlert, error) {
	query := `SELECT ` + conflictCols + conflictPeopleCols + conflictJoins + ` WHERE c.id = $1`
	c, err := scanConflictWithPeople(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

// ConflictQuery filters a conflict listing.
type ConflictQuery struct {
	Status models.ConflictStatus
	From   models.Date // period_start >= From
	To     models.Date // period_end <= To
	Limit  int
	Offset int
}

// List returns escalated alerts first, then open, then resolved; newest first
// within each status. The second value is the total match count.
func (r *ConflictRepo) List(ctx context.Context, q Querier, cq ConflictQuery) ([]models.ConflictAlert, int, error) {
	var w where
	if cq.Status != "" {
		w.add("c.status = ?", cq.Status)
	}
	if !cq.From.IsZero() {
		w.add("c.period_start >= ?", cq.From)
	}
	if !cq.To.IsZero() {
		w.add("c.period_end <= ?", cq.To)
	}

	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict_alerts c`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conflict_alerts: %w", err)
	}

	limit := cq.Limit
	if limit <= 0 {
		limit = 20
	}
	args := append(w.args, limit, cq.Offset)
	query := `SELECT ` + conflictCols + conflictPeopleCols + conflictJoins + w.sql() + fmt.Sprintf(`
		ORDER BY CASE c.status WHEN 'escalated' THEN 0 WHEN 'open' THEN 1 ELSE 2 END, c.created_at DESC, c.id DESC
		LIMIT $%d OFFSET $%d`, len(w.args)+1, len(w.args)+2)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflict_alerts: %w", err)
	}
	defer rows.Close()

	list := []models.ConflictAlert{}
	for rows.Next() {
		c, err := scanConflictWithPeople(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, *c)
	}
	return list, total, rows.Err()
}

// Stats counts alerts by status.
func (r *ConflictRepo) Stats(ctx context.Context, q Querier) (models.ConflictStats, error) {
	var s models.ConflictStats
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'open'),
		       COUNT(*) FILTER (WHERE status = 'escalated'),
		       COUNT(*) FILTER (WHERE status = 'resolved')
		FROM conflict_alerts`).Scan(&s.Total, &s.Open, &s.Escalated, &s.Resolved)
	if err != nil {
		return s, fmt.Errorf("conflict stats: %w", err)
	}
	s.Unresolved = s.Open + s.Escalated
	return s, nil
}

// ListStaleOpen returns open alerts created at or before cutoff, oldest first.
func (r *ConflictRepo) ListStaleOpen(ctx context.Context, q Querier, cutoff time.Time) ([]models.ConflictAlert, error) {
	query := `SELECT ` + conflictCols + ` FROM conflict_alerts c
		WHERE c.status = 'open' AND c.created_at <= $1
		ORDER BY c.created_at, c.id`
	rows, err := q.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale conflict_alerts: %w", err)
	}
	defer rows.Close()

	var list []models.ConflictAlert
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

// Escalate moves an open alert to escalated. It returns (nil, nil) when the
// alert is no longer open, so a concurrent sweep or resolution wins cleanly.
func (r *ConflictRepo) Escalate(ctx context.Context, q Querier, id int64, at time.Time) (*models.ConflictAlert, error) {
	query := `UPDATE conflict_alerts AS c
		SET status = 'escalated', escalated_at = $2, updated_at = $2
		WHERE c.id = $1 AND c.status = 'open'
		RETURNING ` + conflictCols
	c, err := scanConflict(q.QueryRowContext(ctx, query, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("escalate conflict %d: %w", id, err)
	}
	return c, nil
}

// Resolve closes an unresolved alert. A resolved alert yields ErrAlreadyResolved.
func (r *ConflictRepo) Resolve(ctx context.Context, q Querier, id, resolverID int64, notes string, at time.Time) (*models.ConflictAlert, error) {
	query := `UPDATE conflict_alerts AS c
		SET status = 'resolved', resolved_by = $2, resolution_notes = $3, resolved_at = $4, updated_at = $4
		WHERE c.id = $1 AND c.status <> 'resolved'
		RETURNING ` + conflictCols
	c, err := scanConflict(q.QueryRowContext(ctx, query, id, resolverID, notes, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrAlreadyResolved
	}
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %d: %w", id, err)
	}
	return c, nil
}
