package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/models"
)

// RunRepo persists validation runs. A run row is inserted running and
// finalized exactly once; a database trigger rejects later updates.
type RunRepo struct{}

func NewRunRepo() *RunRepo {
	return &RunRepo{}
}

const runCols = `id, period_start, period_end, employees_checked, conflicts_found, duration_ms,
	status, COALESCE(error_message, ''), created_at, finished_at`

func scanRun(row Row) (*models.ValidationRun, error) {
	run := &models.ValidationRun{}
	var duration sql.NullInt64
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.PeriodStart, &run.PeriodEnd, &run.EmployeesChecked, &run.ConflictsFound,
		&duration, &run.Status, &run.ErrorMessage, &run.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	if duration.Valid {
		run.DurationMs = &duration.Int64
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

// Start inserts a running run for p.
func (r *RunRepo) Start(ctx context.Context, q Querier, p models.Period) (*models.ValidationRun, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `
		INSERT INTO validation_runs (period_start, period_end, status)
		VALUES ($1, $2, 'running')
		RETURNING `+runCols, p.Start, p.End))
	if err != nil {
		return nil, fmt.Errorf("insert validation_runs: %w", err)
	}
	return run, nil
}

// Complete finalizes a running run with its counts.
func (r *RunRepo) Complete(ctx context.Context, q Querier, id int64, employeesChecked, conflictsFound int, durationMs int64) (*models.ValidationRun, error) {
	return r.finish(ctx, q, `
		UPDATE validation_runs
		SET status = 'completed', employees_checked = $2, conflicts_found = $3, duration_ms = $4, finished_at = now()
		WHERE id = $1 AND status = 'running'
		RETURNING `+runCols, id, employeesChecked, conflictsFound, durationMs)
}

// Fail finalizes a running run with the error that stopped it. Counts reached
// before the failure are kept.
func (r *RunRepo) Fail(ctx context.Context, q Querier, id int64, employeesChecked, conflictsFound int, durationMs int64, message string) (*models.ValidationRun, error) {
	return r.finish(ctx, q, `
		UPDATE validation_runs
		SET status = 'failed', employees_checked = $2, conflicts_found = $3, duration_ms = $4,
		    error_message = $5, finished_at = now()
		WHERE id = $1 AND status = 'running'
		RETURNING `+runCols, id, employeesChecked, conflictsFound, durationMs, message)
}

func (r *RunRepo) finish(ctx context.Context, q Querier, query string, args ...any) (*models.ValidationRun, error) {
	run, err := scanRun(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: validation run already finalized", apperr.ErrImmutableRecord)
	}
	if err != nil {
		return nil, translate(err)
	}
	return run, nil
}

// Get returns one run.
func (r *RunRepo) Get(ctx context.Context, q Querier, id int64) (*models.ValidationRun, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runCols+` FROM validation_runs WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err)
	}
	return run, nil
}

// List returns runs newest first, optionally filtered by status.
func (r *RunRepo) List(ctx context.Context, q Querier, status models.RunStatus, limit, offset int) ([]models.ValidationRun, error) {
	var w where
	if status != "" {
		w.add("status = ?", status)
	}
	if limit <= 0 {
		limit = 20
	}
	args := append(w.args, limit, offset)
	query := `SELECT ` + runCols + ` FROM validation_runs` + w.sql() +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(w.args)+1, len(w.args)+2)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list validation_runs: %w", err)
	}
	defer rows.Close()

	list := []models.ValidationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *run)
	}
	return list, rows.Err()
}
