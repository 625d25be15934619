// Package notify delivers escalation notices. Callers enqueue without
// blocking; a single worker hands notices to the configured backend.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crucial707/hours-reconcile/internal/metrics"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// KindConflictEscalated is the only notice kind today.
const KindConflictEscalated = "conflict_escalated"

// DefaultRedisKey is the list consumed by the delivery service.
const DefaultRedisKey = "hours:notifications"

// Notification tells the recipient roles that a conflict was escalated.
type Notification struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	ConflictID   int64           `json:"conflict_id"`
	EmployeeID   int64           `json:"employee_id"`
	PeriodStart  models.Date     `json:"period_start"`
	PeriodEnd    models.Date     `json:"period_end"`
	SourceAHours decimal.Decimal `json:"source_a_hours"`
	SourceBHours decimal.Decimal `json:"source_b_hours"`
	Discrepancy  decimal.Decimal `json:"discrepancy"`
	DaysOpen     int             `json:"days_open"`
	Recipients   []string        `json:"recipient_roles"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Escalated builds the notice for c as of now.
func Escalated(c models.ConflictAlert, recipients []string, now time.Time) Notification {
	return Notification{
		Kind:         KindConflictEscalated,
		ConflictID:   c.ID,
		EmployeeID:   c.EmployeeID,
		PeriodStart:  c.PeriodStart,
		PeriodEnd:    c.PeriodEnd,
		SourceAHours: c.SourceAHours,
		SourceBHours: c.SourceBHours,
		Discrepancy:  c.Discrepancy,
		DaysOpen:     int(now.Sub(c.CreatedAt).Hours() / 24),
		Recipients:   recipients,
		CreatedAt:    now,
	}
}

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notices to the log. It is the backend when Redis is not configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	slog.Info("notification",
		"id", n.ID,
		"kind", n.Kind,
		"conflict_id", n.ConflictID,
		"employee_id", n.EmployeeID,
		"discrepancy", n.Discrepancy.String(),
		"days_open", n.DaysOpen,
		"recipients", n.Recipients,
	)
	return nil
}

// listPusher is the part of the redis client RedisNotifier needs.
type listPusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisNotifier pushes JSON notices onto a Redis list.
type RedisNotifier struct {
	rdb listPusher
	key string
}

func NewRedisNotifier(rdb redis.UniversalClient, key string) *RedisNotifier {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisNotifier{rdb: rdb, key: key}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := r.rdb.LPush(ctx, r.key, b).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", r.key, err)
	}
	return nil
}

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("notify: queue closed")

// Queue is a bounded in-process buffer in front of a Notifier. Enqueue never
// blocks; a full queue drops the notice and counts it.
type Queue struct {
	backend Notifier
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan Notification
	done   chan struct{}
}

// NewQueue starts the delivery worker. size below 1 is treated as 1.
func NewQueue(backend Notifier, size int) *Queue {
	if size < 1 {
		size = 1
	}
	q := &Queue{
		backend: backend,
		timeout: 10 * time.Second,
		ch:      make(chan Notification, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue hands n to the worker and reports whether it was accepted.
func (q *Queue) Enqueue(n Notification) bool {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		metrics.IncNotifications("dropped")
		return false
	}
	select {
	case q.ch <- n:
		return true
	default:
		metrics.IncNotifications("dropped")
		slog.Warn("notify: queue full, dropping", "id", n.ID, "conflict_id", n.ConflictID)
		return false
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for n := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.backend.Notify(ctx, n)
		cancel()
		if err != nil {
			metrics.IncNotifications("failed")
			slog.Error("notify: delivery failed", "id", n.ID, "conflict_id", n.ConflictID, "error", err)
			continue
		}
		metrics.IncNotifications("sent")
	}
}

// Close stops accepting notices and waits for the worker to drain, or for ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
