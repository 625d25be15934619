// Package lock provides cluster-wide single-flight locks for the batch jobs.
// Redis is used when configured; otherwise PostgreSQL session advisory locks.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/redis/go-redis/v9"
)

// Job lock keys.
const (
	KeyReconcile = "hours:lock:reconcile"
	KeyEscalate  = "hours:lock:escalate"
)

// Locker grants exclusive leases. A busy key yields apperr.ErrRunInProgress.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// ErrLockLost means the lease expired or was taken over while fn was running.
var ErrLockLost = errors.New("lock: lease lost")

// losable is implemented by leases that can expire while held.
type losable interface {
	Lost() <-chan struct{}
}

// With runs fn while holding key. The lease is released even if fn fails. If
// the lease reports itself lost, fn's context is cancelled with ErrLockLost.
func With(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("lock: release failed", "key", key, "error", err)
		}
	}()

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if ll, ok := lease.(losable); ok {
		finished := make(chan struct{})
		defer close(finished)
		go func() {
			select {
			case <-ll.Lost():
				slog.Error("lock: lease lost, cancelling job", "key", key)
				cancel(ErrLockLost)
			case <-finished:
			}
		}()
	}

	err = fn(jobCtx)
	if err != nil && errors.Is(context.Cause(jobCtx), ErrLockLost) {
		return fmt.Errorf("%w: %w", ErrLockLost, err)
	}
	return err
}

// ==== REDIS ====

// RedisLocker obtains locks with redislock and keeps them alive with a
// refresh loop until released, so jobs longer than the TTL keep their lock.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, apperr.ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}
	lease := &redisLease{lock: l, key: key, stop: make(chan struct{}), done: make(chan struct{}), lost: make(chan struct{})}
	go lease.refresh(ttl)
	return lease, nil
}

type redisLease struct {
	lock *redislock.Lock
	key  string
	once sync.Once
	stop chan struct{}
	done chan struct{}
	lost chan struct{}
}

// Lost is closed when a refresh fails; the key may then belong to someone else.
func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) refresh(ttl time.Duration) {
	defer close(l.done)
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.lock.Refresh(context.Background(), ttl, nil); err != nil {
				slog.Warn("lock: refresh failed", "key", l.key, "error", err)
				close(l.lost)
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			err = nil
		}
	})
	return err
}

// ==== POSTGRES ====

// AdvisoryLocker uses pg_try_advisory_lock on a dedicated pool connection.
// The lock lives as long as that connection, so TTL is ignored.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// advisoryKey maps a lock name onto the bigint keyspace of advisory locks.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func (a *AdvisoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	id := advisoryKey(key)
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Close()
		return nil, apperr.ErrRunInProgress
	}
	return &advisoryLease{conn: conn, id: id}, nil
}

type advisoryLease struct {
	conn *sql.Conn
	id   int64
	once sync.Once
}

func (l *advisoryLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		defer l.conn.Close()
		_, err = l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id)
	})
	return err
}
