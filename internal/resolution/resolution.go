// Package resolution is the reviewer-facing side of conflict alerts: listing,
// statistics and manual resolution.
package resolution

import (
	"context"
	"time"

	"github.com/crucial707/hours-reconcile/internal/access"
	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/audit"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/crucial707/hours-reconcile/internal/validate"
)

// MaxPerPage caps conflict listings.
const MaxPerPage = 100

type Authorizer interface {
	Authorize(ctx context.Context, req access.Request) error
}

// ResolveInput closes a conflict.
type ResolveInput struct {
	Notes string `json:"resolution_notes" validate:"required,min=10,max=2000"`
}

type Service struct {
	store     *repo.Store
	conflicts *repo.ConflictRepo
	guard     Authorizer
	recorder  *audit.Recorder
	now       func() time.Time
}

func NewService(store *repo.Store, guard Authorizer, recorder *audit.Recorder) *Service {
	return &Service{
		store:     store,
		conflicts: repo.NewConflictRepo(),
		guard:     guard,
		recorder:  recorder,
		now:       time.Now,
	}
}

func (s *Service) authorize(ctx context.Context, actor models.Actor, op access.Op) error {
	return s.guard.Authorize(ctx, access.Request{Actor: actor, Kind: access.KindConflict, Op: op})
}

// List returns one page of conflicts and the total count.
func (s *Service) List(ctx context.Context, actor models.Actor, cq repo.ConflictQuery) ([]models.ConflictAlert, int, error) {
	if err := s.authorize(ctx, actor, access.OpList); err != nil {
		return nil, 0, err
	}
	if cq.Status != "" && !cq.Status.Valid() {
		return nil, 0, apperr.Invalid("status", "must be one of open, escalated, resolved")
	}
	if cq.Limit > MaxPerPage {
		cq.Limit = MaxPerPage
	}
	return s.conflicts.List(ctx, s.store.Q(), cq)
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id int64) (*models.ConflictAlert, error) {
	if err := s.authorize(ctx, actor, access.OpGet); err != nil {
		return nil, err
	}
	return s.conflicts.Get(ctx, s.store.Q(), id)
}

func (s *Service) Stats(ctx context.Context, actor models.Actor) (models.ConflictStats, error) {
	if err := s.authorize(ctx, actor, access.OpList); err != nil {
		return models.ConflictStats{}, err
	}
	return s.conflicts.Stats(ctx, s.store.Q())
}

// Resolve marks an open or escalated conflict resolved by actor. The row is
// locked for the duration so a concurrent resolve or escalation waits and
// then sees the new status.
func (s *Service) Resolve(ctx context.Context, actor models.Actor, id int64, in ResolveInput) (*models.ConflictAlert, error) {
	if err := s.authorize(ctx, actor, access.OpResolve); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}

	err := s.store.InTx(ctx, func(q repo.Querier) error {
		before, err := s.conflicts.Lock(ctx, q, id)
		if err != nil {
			return err
		}
		if before.Status == models.ConflictResolved {
			return apperr.ErrAlreadyResolved
		}
		after, err := s.conflicts.Resolve(ctx, q, id, actor.ID, in.Notes, s.now().UTC())
		if err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, q, audit.Event{
			Actor:       actor,
			SubjectType: audit.SubjectConflict,
			SubjectID:   id,
			Action:      audit.ActionResolved,
			Before:      before,
			After:       after,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.conflicts.Get(ctx, s.store.Q(), id)
}
