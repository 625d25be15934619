package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/crucial707/hours-reconcile/internal/access"
	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/audit"
	"github.com/crucial707/hours-reconcile/internal/lock"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
)

type Authorizer interface {
	Authorize(ctx context.Context, req access.Request) error
}

// TriggerInput selects the period of a manual run. Both bounds or neither.
type TriggerInput struct {
	PeriodStart *models.Date `json:"period_start"`
	PeriodEnd   *models.Date `json:"period_end"`
}

// Service exposes runs to the API: manual triggers and run history.
type Service struct {
	engine   *Engine
	store    *repo.Store
	runs     *repo.RunRepo
	locker   lock.Locker
	lockTTL  time.Duration
	guard    Authorizer
	recorder *audit.Recorder
}

func NewService(engine *Engine, store *repo.Store, locker lock.Locker, lockTTL time.Duration, guard Authorizer, recorder *audit.Recorder) *Service {
	return &Service{
		engine:   engine,
		store:    store,
		runs:     repo.NewRunRepo(),
		locker:   locker,
		lockTTL:  lockTTL,
		guard:    guard,
		recorder: recorder,
	}
}

func (in TriggerInput) period(def models.Period) (models.Period, error) {
	switch {
	case in.PeriodStart == nil && in.PeriodEnd == nil:
		return def, nil
	case in.PeriodStart == nil:
		return models.Period{}, apperr.Invalid("period_start", "required when period_end is set")
	case in.PeriodEnd == nil:
		return models.Period{}, apperr.Invalid("period_end", "required when period_start is set")
	}
	p := models.Period{Start: *in.PeriodStart, End: *in.PeriodEnd}
	return p, p.Validate()
}

// Trigger runs reconciliation now under the same cluster lock as the
// scheduled job. A run already in progress yields apperr.ErrRunInProgress.
func (s *Service) Trigger(ctx context.Context, actor models.Actor, in TriggerInput) (*models.ValidationRun, error) {
	if err := s.guard.Authorize(ctx, access.Request{Actor: actor, Kind: access.KindRun, Op: access.OpTrigger}); err != nil {
		return nil, err
	}
	p, err := in.period(s.engine.DefaultPeriod())
	if err != nil {
		return nil, err
	}

	var run *models.ValidationRun
	err = lock.With(ctx, s.locker, lock.KeyReconcile, s.lockTTL, func(ctx context.Context) error {
		var err error
		run, err = s.engine.Run(ctx, actor, p)
		return err
	})

	var runID int64
	var rf *apperr.RunFailure
	switch {
	case run != nil:
		runID = run.ID
	case errors.As(err, &rf):
		runID = rf.RunID
	}
	if runID > 0 {
		if _, aerr := s.recorder.Record(ctx, s.store.Q(), audit.Event{
			Actor:       actor,
			SubjectType: audit.SubjectRun,
			SubjectID:   runID,
			Action:      audit.ActionRunTriggered,
			After:       map[string]any{"period_start": p.Start, "period_end": p.End},
		}); aerr != nil && err == nil {
			err = aerr
		}
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Service) List(ctx context.Context, actor models.Actor, status models.RunStatus, limit, offset int) ([]models.ValidationRun, error) {
	if err := s.guard.Authorize(ctx, access.Request{Actor: actor, Kind: access.KindRun, Op: access.OpList}); err != nil {
		return nil, err
	}
	return s.runs.List(ctx, s.store.Q(), status, limit, offset)
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id int64) (*models.ValidationRun, error) {
	if err := s.guard.Authorize(ctx, access.Request{Actor: actor, Kind: access.KindRun, Op: access.OpGet}); err != nil {
		return nil, err
	}
	return s.runs.Get(ctx, s.store.Q(), id)
}
