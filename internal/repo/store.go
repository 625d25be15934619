package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/lib/pq"
)

// DBTX is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Row is the single-row result of QueryRowContext.
type Row interface {
	Scan(dest ...any) error
}

// Querier is what every repository method runs against: the pool outside a
// transaction, or the open transaction inside one. Statements that would
// rewrite an append-only table are refused before they reach the database.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) Row
}

// immutableStmt matches UPDATE/DELETE/TRUNCATE against the append-only tables.
var immutableStmt = regexp.MustCompile(
	`(?i)^\s*(?:UPDATE|DELETE\s+FROM|TRUNCATE(?:\s+TABLE)?)\s+(?:ONLY\s+)?(?:public\.)?(audit_logs|project_report_amendments|department_report_amendments)\b`,
)

type guarded struct {
	db DBTX
}

// Guard wraps db so it refuses to mutate audit entries and amendments.
func Guard(db DBTX) Querier {
	return guarded{db: db}
}

func checkStatement(query string) error {
	if m := immutableStmt.FindStringSubmatch(query); m != nil {
		return fmt.Errorf("%w: %s", apperr.ErrImmutableRecord, m[1])
	}
	return nil
}

func (g guarded) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := checkStatement(query); err != nil {
		return nil, err
	}
	return g.db.ExecContext(ctx, query, args...)
}

func (g guarded) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := checkStatement(query); err != nil {
		return nil, err
	}
	return g.db.QueryContext(ctx, query, args...)
}

func (g guarded) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	if err := checkStatement(query); err != nil {
		return errRow{err: err}
	}
	return g.db.QueryRowContext(ctx, query, args...)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// Store owns the pool and hands out guarded queriers.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for health checks and advisory-lock connections.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Q returns a guarded querier on the pool, for reads and single statements.
func (s *Store) Q() Querier {
	return Guard(s.db)
}

// InTx runs fn inside a transaction. fn's error (or a panic) rolls back; nil commits.
func (s *Store) InTx(ctx context.Context, fn func(q Querier) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(Guard(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const (
	pqUniqueViolation       = "23505"
	pqInsufficientPrivilege = "42501"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// isUniqueViolation reports a 23505 from PostgreSQL.
func isUniqueViolation(err error) bool {
	return pqCode(err) == pqUniqueViolation
}

// translate maps driver-level errors onto the shared taxonomy. The immutability
// triggers raise insufficient_privilege.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return apperr.ErrNotFound
	case pqCode(err) == pqInsufficientPrivilege:
		return fmt.Errorf("%w: %v", apperr.ErrImmutableRecord, err)
	}
	return err
}
