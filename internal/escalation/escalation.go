// Package escalation moves conflicts that stayed open too long to escalated
// and notifies the reviewer escalation roles.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crucial707/hours-reconcile/internal/audit"
	"github.com/crucial707/hours-reconcile/internal/metrics"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/notify"
	"github.com/crucial707/hours-reconcile/internal/repo"
)

// DefaultAge is how long a conflict may stay open.
const DefaultAge = 7 * 24 * time.Hour

// Enqueuer is satisfied by *notify.Queue.
type Enqueuer interface {
	Enqueue(n notify.Notification) bool
}

// Result summarizes one sweep.
type Result struct {
	Candidates int `json:"candidates"`
	Escalated  int `json:"escalated"`
	Notified   int `json:"notified"`
}

type Sweeper struct {
	store      *repo.Store
	conflicts  *repo.ConflictRepo
	recorder   *audit.Recorder
	queue      Enqueuer
	age        time.Duration
	recipients []string
}

func NewSweeper(store *repo.Store, recorder *audit.Recorder, queue Enqueuer, age time.Duration, recipients []string) *Sweeper {
	if age <= 0 {
		age = DefaultAge
	}
	if len(recipients) == 0 {
		recipients = []string{models.RoleCEO, models.RoleCFO}
	}
	return &Sweeper{
		store:      store,
		conflicts:  repo.NewConflictRepo(),
		recorder:   recorder,
		queue:      queue,
		age:        age,
		recipients: recipients,
	}
}

// Sweep escalates every open conflict created at or before now minus the
// configured age. Each conflict is escalated in its own transaction; one that
// was resolved or escalated concurrently is skipped. Notification happens
// after commit and never fails the sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	stale, err := s.conflicts.ListStaleOpen(ctx, s.store.Q(), now.Add(-s.age))
	if err != nil {
		return res, err
	}
	res.Candidates = len(stale)

	for _, c := range stale {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("escalation cancelled after %d conflicts: %w", res.Escalated, err)
		}
		var escalated *models.ConflictAlert
		err := s.store.InTx(ctx, func(q repo.Querier) error {
			after, err := s.conflicts.Escalate(ctx, q, c.ID, now)
			if err != nil || after == nil {
				return err
			}
			escalated = after
			_, err = s.recorder.Record(ctx, q, audit.Event{
				Actor:       models.SystemActor,
				SubjectType: audit.SubjectConflict,
				SubjectID:   c.ID,
				Action:      audit.ActionEscalated,
				Before:      c,
				After:       after,
			})
			return err
		})
		if err != nil {
			return res, fmt.Errorf("escalate conflict %d: %w", c.ID, err)
		}
		if escalated == nil {
			continue
		}
		res.Escalated++
		metrics.IncEscalations()
		if s.queue.Enqueue(notify.Escalated(*escalated, s.recipients, now)) {
			res.Notified++
		}
	}
	slog.Info("escalation sweep finished", "candidates", res.Candidates, "escalated", res.Escalated, "notified", res.Notified)
	return res, nil
}
