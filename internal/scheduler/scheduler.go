// Package scheduler runs the weekly reconciliation and the daily escalation
// sweep on cron schedules. Every execution holds a cluster-wide lock, is bounded
// by a timeout and is retried with exponential backoff on failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/escalation"
	"github.com/crucial707/hours-reconcile/internal/lock"
	"github.com/crucial707/hours-reconcile/internal/metrics"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/robfig/cron/v3"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Job is one scheduled unit of work.
type Job struct {
	Name    string
	Spec    string // standard 5-field cron expression, UTC
	LockKey string
	Run     func(ctx context.Context) error
}

// Options bound each execution. Zero values take the defaults below.
type Options struct {
	Timeout    time.Duration // whole execution including retries, default 10m
	MaxRetries int           // attempts after the first
	LockTTL    time.Duration // default 1m
	Backoff    time.Duration // first retry delay, doubled each attempt, default 30s
}

// Scheduler wraps a robfig cron with lock, retry and metrics handling.
type Scheduler struct {
	cron   *cron.Cron
	locker lock.Locker
	opts   Options
	now    func() time.Time
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, kv ...interface{}) {
	slog.Debug("cron: "+msg, kv...)
}

func (slogLogger) Error(err error, msg string, kv ...interface{}) {
	slog.Error("cron: "+msg, append(kv, "error", err)...)
}

func New(locker lock.Locker, opts Options) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	l := slogLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		locker: locker,
		opts:   opts,
		now:    time.Now,
	}
}

// Add registers j. The cron expression is validated here.
func (s *Scheduler) Add(j Job) error {
	_, err := s.cron.AddFunc(j.Spec, func() {
		_ = s.Execute(context.Background(), j)
	})
	if err != nil {
		return fmt.Errorf("scheduler: job %s: invalid schedule %q: %w", j.Name, j.Spec, err)
	}
	slog.Info("scheduler: job registered", "job", j.Name, "schedule", j.Spec)
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs j once under its lock. A lock held elsewhere counts as skipped
// and is not retried.
func (s *Scheduler) Execute(ctx context.Context, j Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := s.now()
	delay := s.opts.Backoff
	var err error
	for attempt := 0; ; attempt++ {
		err = lock.With(ctx, s.locker, j.LockKey, s.opts.LockTTL, j.Run)
		if err == nil || errors.Is(err, apperr.ErrRunInProgress) || attempt >= s.opts.MaxRetries {
			break
		}
		slog.Warn("scheduler: job failed, retrying", "job", j.Name, "attempt", attempt+1, "retry_in", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
		delay *= 2
	}

	elapsed := s.now().Sub(start)
	switch {
	case err == nil:
		metrics.RecordJob(j.Name, outcomeCompleted, elapsed.Seconds())
		slog.Info("scheduler: job completed", "job", j.Name, "duration_ms", elapsed.Milliseconds())
	case errors.Is(err, apperr.ErrRunInProgress):
		metrics.RecordJob(j.Name, outcomeSkipped, elapsed.Seconds())
		slog.Info("scheduler: job skipped, lock held elsewhere", "job", j.Name)
		return nil
	default:
		metrics.RecordJob(j.Name, outcomeFailed, elapsed.Seconds())
		slog.Error("scheduler: job failed", "job", j.Name, "duration_ms", elapsed.Milliseconds(), "error", err)
	}
	return err
}

// Reconciler is satisfied by *reconcile.Engine.
type Reconciler interface {
	Run(ctx context.Context, actor models.Actor, p models.Period) (*models.ValidationRun, error)
	DefaultPeriod() models.Period
}

// ReconcileJob reconciles the previous Monday..Sunday week as the system actor.
func ReconcileJob(schedule string, engine Reconciler) Job {
	return Job{
		Name:    "reconcile",
		Spec:    schedule,
		LockKey: lock.KeyReconcile,
		Run: func(ctx context.Context) error {
			p := engine.DefaultPeriod()
			run, err := engine.Run(ctx, models.SystemActor, p)
			if err != nil {
				return err
			}
			slog.Info("scheduled reconciliation finished", "run_id", run.ID, "period", p.String(),
				"employees_checked", run.EmployeesChecked, "conflicts_found", run.ConflictsFound)
			return nil
		},
	}
}

// Escalator is satisfied by *escalation.Sweeper.
type Escalator interface {
	Sweep(ctx context.Context, now time.Time) (escalation.Result, error)
}

// EscalationJob runs the stale-conflict sweep.
func EscalationJob(schedule string, sweeper Escalator) Job {
	return Job{
		Name:    "escalate",
		Spec:    schedule,
		LockKey: lock.KeyEscalate,
		Run: func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx, time.Now())
			return err
		},
	}
}
