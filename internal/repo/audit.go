package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crucial707/hours-reconcile/internal/models"
)

// AuditRepo appends and reads audit log entries. It has no update or delete.
type AuditRepo struct{}

// NewAuditRepo returns a new AuditRepo.
func NewAuditRepo() *AuditRepo {
	return &AuditRepo{}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Log appends e and fills in its id and created_at.
func (r *AuditRepo) Log(ctx context.Context, q Querier, e *models.AuditEntry) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO audit_logs (subject_type, subject_id, action, actor_id, actor_role, before_data, after_data, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		e.SubjectType, e.SubjectID, e.Action, e.ActorID, e.ActorRole,
		nullJSON(e.Before), nullJSON(e.After), nullString(e.IPAddress), nullString(e.UserAgent),
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit_logs: %w", err)
	}
	return nil
}

// AuditQuery filters an audit listing.
type AuditQuery struct {
	SubjectType string
	SubjectID   *int64
	ActorID     *int64
	Action      string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// List returns entries newest first and the total match count.
func (r *AuditRepo) List(ctx context.Context, q Querier, aq AuditQuery) ([]models.AuditEntry, int, error) {
	var w where
	if aq.SubjectType != "" {
		w.add("subject_type = ?", aq.SubjectType)
	}
	if aq.SubjectID != nil {
		w.add("subject_id = ?", *aq.SubjectID)
	}
	if aq.ActorID != nil {
		w.add("actor_id = ?", *aq.ActorID)
	}
	if aq.Action != "" {
		w.add("action = ?", aq.Action)
	}
	if !aq.From.IsZero() {
		w.add("created_at >= ?", aq.From)
	}
	if !aq.To.IsZero() {
		w.add("created_at <= ?", aq.To)
	}

	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit_logs: %w", err)
	}

	limit := aq.Limit
	if limit <= 0 {
		limit = 50
	}
	args := append(w.args, limit, aq.Offset)
	query := `SELECT id, subject_type, subject_id, action, actor_id, actor_role, before_data, after_data,
		COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM audit_logs` + w.sql() +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(w.args)+1, len(w.args)+2)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit_logs: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		var actorID sql.NullInt64
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.SubjectType, &e.SubjectID, &e.Action, &actorID, &e.ActorRole,
			&before, &after, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if actorID.Valid {
			e.ActorID = &actorID.Int64
		}
		e.Before, e.After = before, after
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
