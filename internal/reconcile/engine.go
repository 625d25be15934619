// Package reconcile compares the finalized hours of both ledgers per employee
// and maintains one ConflictAlert per (employee, period) whose totals differ by
// more than the configured threshold.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/audit"
	"github.com/crucial707/hours-reconcile/internal/metrics"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/shopspring/decimal"
)

const jobName = "reconcile"

// DefaultThreshold is used when the engine is built with a non-positive threshold.
var DefaultThreshold = decimal.NewFromInt(2)

// Comparison is one employee's totals across both ledgers.
type Comparison struct {
	EmployeeID  int64
	SourceA     decimal.Decimal
	SourceB     decimal.Decimal
	Discrepancy decimal.Decimal // SourceA - SourceB
}

// Exceeds reports whether |Discrepancy| is strictly greater than threshold.
func (c Comparison) Exceeds(threshold decimal.Decimal) bool {
	return c.Discrepancy.Abs().GreaterThan(threshold)
}

// Compare joins both totals over the union of employees, treating a missing
// side as zero. The result is ordered by employee id.
func Compare(a, b map[int64]decimal.Decimal) []Comparison {
	ids := make(map[int64]struct{}, len(a)+len(b))
	for id := range a {
		ids[id] = struct{}{}
	}
	for id := range b {
		ids[id] = struct{}{}
	}
	out := make([]Comparison, 0, len(ids))
	for id := range ids {
		ha, hb := a[id], b[id]
		out = append(out, Comparison{EmployeeID: id, SourceA: ha, SourceB: hb, Discrepancy: ha.Sub(hb)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

// Engine runs reconciliation for one period at a time. Callers serialize runs
// through a lock; the engine itself is safe to re-run.
type Engine struct {
	store     *repo.Store
	sourceA   *repo.LedgerRepo
	sourceB   *repo.LedgerRepo
	conflicts *repo.ConflictRepo
	runs      *repo.RunRepo
	recorder  *audit.Recorder
	threshold decimal.Decimal
	now       func() time.Time
}

func NewEngine(store *repo.Store, recorder *audit.Recorder, threshold decimal.Decimal) *Engine {
	if !threshold.IsPositive() {
		threshold = DefaultThreshold
	}
	return &Engine{
		store:     store,
		sourceA:   repo.NewLedgerRepo(models.SourceA),
		sourceB:   repo.NewLedgerRepo(models.SourceB),
		conflicts: repo.NewConflictRepo(),
		runs:      repo.NewRunRepo(),
		recorder:  recorder,
		threshold: threshold,
		now:       time.Now,
	}
}

func (e *Engine) Threshold() decimal.Decimal { return e.threshold }

// DefaultPeriod is the previous Monday–Sunday week in UTC.
func (e *Engine) DefaultPeriod() models.Period {
	return models.PreviousWeek(e.now())
}

// Run reconciles p and returns the finalized run. Any failure after the run
// row exists marks it failed and comes back as *apperr.RunFailure. Alerts
// written before the failure stay committed.
func (e *Engine) Run(ctx context.Context, actor models.Actor, p models.Period) (*models.ValidationRun, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	started := e.now()
	run, err := e.runs.Start(ctx, e.store.Q(), p)
	if err != nil {
		return nil, &apperr.RunFailure{Job: jobName, Err: err}
	}
	log := slog.With("job", jobName, "run_id", run.ID, "period", p.String())
	log.Info("reconciliation started")

	checked, found, err := e.reconcile(ctx, actor, p)
	elapsed := e.now().Sub(started).Milliseconds()
	if err != nil {
		// The job context may already be done; the run must still be finalized.
		fctx := context.WithoutCancel(ctx)
		if _, ferr := e.runs.Fail(fctx, e.store.Q(), run.ID, checked, found, elapsed, err.Error()); ferr != nil {
			log.Error("mark run failed", "error", ferr)
			err = errors.Join(err, ferr)
		}
		log.Error("reconciliation failed", "employees_checked", checked, "conflicts_found", found, "error", err)
		return nil, &apperr.RunFailure{Job: jobName, RunID: run.ID, Err: err}
	}

	done, err := e.runs.Complete(ctx, e.store.Q(), run.ID, checked, found, elapsed)
	if err != nil {
		return nil, &apperr.RunFailure{Job: jobName, RunID: run.ID, Err: err}
	}
	log.Info("reconciliation completed", "employees_checked", checked, "conflicts_found", found, "duration_ms", elapsed)
	return done, nil
}

func (e *Engine) reconcile(ctx context.Context, actor models.Actor, p models.Period) (checked, found int, err error) {
	totalsA, err := e.sourceA.SumHoursByEmployee(ctx, e.store.Q(), p)
	if err != nil {
		return 0, 0, err
	}
	totalsB, err := e.sourceB.SumHoursByEmployee(ctx, e.store.Q(), p)
	if err != nil {
		return 0, 0, err
	}

	for _, c := range Compare(totalsA, totalsB) {
		if err := ctx.Err(); err != nil {
			return checked, found, fmt.Errorf("cancelled after %d employees: %w", checked, err)
		}
		checked++
		if !c.Exceeds(e.threshold) {
			continue
		}
		found++
		if err := e.flag(ctx, actor, p, c); err != nil {
			return checked, found, fmt.Errorf("employee %d: %w", c.EmployeeID, err)
		}
	}
	return checked, found, nil
}

// flag upserts the alert for c in its own transaction and audits it when the
// row actually changed.
func (e *Engine) flag(ctx context.Context, actor models.Actor, p models.Period, c Comparison) error {
	return e.store.InTx(ctx, func(q repo.Querier) error {
		before, err := e.conflicts.LockByKey(ctx, q, c.EmployeeID, p)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		alert, outcome, err := e.conflicts.Upsert(ctx, q, models.ConflictAlert{
			EmployeeID:   c.EmployeeID,
			PeriodStart:  p.Start,
			PeriodEnd:    p.End,
			SourceAHours: c.SourceA,
			SourceBHours: c.SourceB,
			Discrepancy:  c.Discrepancy,
		})
		if err != nil {
			return err
		}

		var action, label string
		switch outcome {
		case repo.UpsertUnchanged:
			return nil
		case repo.UpsertInserted:
			action, label = audit.ActionDetected, "inserted"
			before = nil
		case repo.UpsertUpdated:
			action, label = audit.ActionRecalculated, "updated"
		}
		ev := audit.Event{
			Actor:       actor,
			SubjectType: audit.SubjectConflict,
			SubjectID:   alert.ID,
			Action:      action,
			After:       alert,
		}
		if before != nil {
			ev.Before = before
		}
		if _, err := e.recorder.Record(ctx, q, ev); err != nil {
			return err
		}
		metrics.IncConflicts(label)
		return nil
	})
}
