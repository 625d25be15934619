package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/shopspring/decimal"
)

// ledgerTables names the three tables behind one source.
type ledgerTables struct {
	reports    string
	entries    string
	amendments string
	entityCol  string
	// entryProject is true when entries carry a project reference.
	entryProject bool
}

var ledgerSchema = map[models.Source]ledgerTables{
	models.SourceA: {
		reports:    "project_reports",
		entries:    "project_report_entries",
		amendments: "project_report_amendments",
		entityCol:  "project_id",
	},
	models.SourceB: {
		reports:      "department_reports",
		entries:      "department_report_entries",
		amendments:   "department_report_amendments",
		entityCol:    "department_id",
		entryProject: true,
	},
}

// LedgerRepo persists the headers, entries and amendments of one source.
// The two sources share no tables.
type LedgerRepo struct {
	source models.Source
	t      ledgerTables
}

// NewLedgerRepo returns the repository for source. It panics on an unknown source.
func NewLedgerRepo(source models.Source) *LedgerRepo {
	t, ok := ledgerSchema[source]
	if !ok {
		panic(fmt.Sprintf("repo: unknown source %q", source))
	}
	return &LedgerRepo{source: source, t: t}
}

func (r *LedgerRepo) Source() models.Source { return r.source }

// ========================
// HEADERS
// ========================

func (r *LedgerRepo) headerCols() string {
	return "id, " + r.t.entityCol + ", submitted_by, period_start, period_end, status, comments, created_at, updated_at"
}

func (r *LedgerRepo) scanHeader(row Row) (*models.ReportHeader, error) {
	h := &models.ReportHeader{Source: r.source}
	err := row.Scan(&h.ID, &h.EntityID, &h.SubmittedBy, &h.PeriodStart, &h.PeriodEnd,
		&h.Status, &h.Comments, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// CreateHeader inserts a draft header and fills in its generated fields.
func (r *LedgerRepo) CreateHeader(ctx context.Context, q Querier, h *models.ReportHeader) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, submitted_by, period_start, period_end, status, comments)
		VALUES ($1, $2, $3, $4, 'draft', $5)
		RETURNING id, status, created_at, updated_at`, r.t.reports, r.t.entityCol)
	err := q.QueryRowContext(ctx, query, h.EntityID, h.SubmittedBy, h.PeriodStart, h.PeriodEnd, h.Comments).
		Scan(&h.ID, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicatePeriod
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.t.reports, err)
	}
	h.Source = r.source
	return nil
}

// GetHeader returns one header without entries.
func (r *LedgerRepo) GetHeader(ctx context.Context, q Querier, id int64) (*models.ReportHeader, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, r.headerCols(), r.t.reports)
	h, err := r.scanHeader(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err)
	}
	return h, nil
}

// LockHeader returns the header row locked for the rest of the transaction.
func (r *LedgerRepo) LockHeader(ctx context.Context, q Querier, id int64) (*models.ReportHeader, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, r.headerCols(), r.t.reports)
	h, err := r.scanHeader(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err)
	}
	return h, nil
}

// UpdateHeader writes period, status and comments and bumps updated_at.
func (r *LedgerRepo) UpdateHeader(ctx context.Context, q Querier, h *models.ReportHeader) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET period_start = $2, period_end = $3, status = $4, comments = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`, r.t.reports)
	err := q.QueryRowContext(ctx, query, h.ID, h.PeriodStart, h.PeriodEnd, h.Status, h.Comments).Scan(&h.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicatePeriod
	}
	if err != nil {
		return translate(err)
	}
	return nil
}

// DeleteDraft removes a draft header; its entries cascade. Non-draft headers are untouched.
func (r *LedgerRepo) DeleteDraft(ctx context.Context, q Querier, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND status = 'draft'`, r.t.reports)
	res, err := q.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", r.t.reports, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrImmutableRecord
	}
	return nil
}

// Scope restricts which headers a listing may return.
type Scope int

const (
	// ScopeNone returns nothing.
	ScopeNone Scope = iota
	// ScopeAll returns every header of the source.
	ScopeAll
	// ScopeOwner returns Source A headers for projects owned by ScopeID.
	ScopeOwner
	// ScopeDepartment returns Source B headers for department ScopeID.
	ScopeDepartment
)

// ReportQuery filters a header listing. Scope and ScopeID are set by the access guard.
type ReportQuery struct {
	Scope   Scope
	ScopeID int64

	EntityID *int64
	Status   models.ReportStatus
	From     models.Date // period_start >= From
	To       models.Date // period_end <= To

	Limit  int
	Offset int
}

// ListHeaders returns headers matching rq, newest period first, and the total count.
func (r *LedgerRepo) ListHeaders(ctx context.Context, q Querier, rq ReportQuery) ([]models.ReportHeader, int, error) {
	var w where
	switch rq.Scope {
	case ScopeAll:
	case ScopeOwner:
		if r.source != models.SourceA {
			return nil, 0, nil
		}
		w.add("project_id IN (SELECT id FROM projects WHERE owner_id = ?)", rq.ScopeID)
	case ScopeDepartment:
		if r.source != models.SourceB {
			return nil, 0, nil
		}
		w.add("department_id = ?", rq.ScopeID)
	default:
		return nil, 0, nil
	}
	if rq.EntityID != nil {
		w.add(r.t.entityCol+" = ?", *rq.EntityID)
	}
	if rq.Status != "" {
		w.add("status = ?", rq.Status)
	}
	if !rq.From.IsZero() {
		w.add("period_start >= ?", rq.From)
	}
	if !rq.To.IsZero() {
		w.add("period_end <= ?", rq.To)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, r.t.reports, w.sql())
	if err := q.QueryRowContext(ctx, countQuery, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", r.t.reports, err)
	}

	limit, offset := rq.Limit, rq.Offset
	if limit <= 0 {
		limit = 50
	}
	args := append(w.args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY period_start DESC, id DESC LIMIT $%d OFFSET $%d`,
		r.headerCols(), r.t.reports, w.sql(), len(w.args)+1, len(w.args)+2)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", r.t.reports, err)
	}
	defer rows.Close()

	var list []models.ReportHeader
	for rows.Next() {
		h, err := r.scanHeader(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, *h)
	}
	return list, total, rows.Err()
}

// ========================
// ENTRIES
// ========================

func (r *LedgerRepo) entryCols() string {
	if r.t.entryProject {
		return "id, report_id, employee_id, project_id, hours, notes, created_at"
	}
	return "id, report_id, employee_id, NULL::bigint, hours, notes, created_at"
}

func scanEntry(row Row) (models.ReportEntry, error) {
	var e models.ReportEntry
	var projectID sql.NullInt64
	err := row.Scan(&e.ID, &e.ReportID, &e.EmployeeID, &projectID, &e.Hours, &e.Notes, &e.CreatedAt)
	if projectID.Valid {
		e.ProjectID = &projectID.Int64
	}
	return e, err
}

// ListEntries returns the entries of one header ordered by id.
func (r *LedgerRepo) ListEntries(ctx context.Context, q Querier, reportID int64) ([]models.ReportEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE report_id = $1 ORDER BY id`, r.entryCols(), r.t.entries)
	rows, err := q.QueryContext(ctx, query, reportID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.t.entries, err)
	}
	defer rows.Close()

	list := []models.ReportEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// GetEntry returns one entry of a header.
func (r *LedgerRepo) GetEntry(ctx context.Context, q Querier, reportID, entryID int64) (*models.ReportEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND report_id = $2`, r.entryCols(), r.t.entries)
	e, err := scanEntry(q.QueryRowContext(ctx, query, entryID, reportID))
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

// InsertEntry adds one entry; a second entry for the same employee is ErrDuplicateEntry.
func (r *LedgerRepo) InsertEntry(ctx context.Context, q Querier, e *models.ReportEntry) error {
	var err error
	if r.t.entryProject {
		query := fmt.Sprintf(`
			INSERT INTO %s (report_id, employee_id, project_id, hours, notes)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at`, r.t.entries)
		err = q.QueryRowContext(ctx, query, e.ReportID, e.EmployeeID, e.ProjectID, e.Hours, e.Notes).Scan(&e.ID, &e.CreatedAt)
	} else {
		query := fmt.Sprintf(`
			INSERT INTO %s (report_id, employee_id, hours, notes)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`, r.t.entries)
		err = q.QueryRowContext(ctx, query, e.ReportID, e.EmployeeID, e.Hours, e.Notes).Scan(&e.ID, &e.CreatedAt)
		e.ProjectID = nil
	}
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.t.entries, err)
	}
	return nil
}

// UpdateEntry rewrites one entry in place.
func (r *LedgerRepo) UpdateEntry(ctx context.Context, q Querier, e *models.ReportEntry) error {
	var err error
	if r.t.entryProject {
		query := fmt.Sprintf(`
			UPDATE %s SET employee_id = $3, project_id = $4, hours = $5, notes = $6
			WHERE id = $1 AND report_id = $2
			RETURNING created_at`, r.t.entries)
		err = q.QueryRowContext(ctx, query, e.ID, e.ReportID, e.EmployeeID, e.ProjectID, e.Hours, e.Notes).Scan(&e.CreatedAt)
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET employee_id = $3, hours = $4, notes = $5
			WHERE id = $1 AND report_id = $2
			RETURNING created_at`, r.t.entries)
		err = q.QueryRowContext(ctx, query, e.ID, e.ReportID, e.EmployeeID, e.Hours, e.Notes).Scan(&e.CreatedAt)
	}
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateEntry
	}
	return translate(err)
}

// DeleteEntry removes one entry of a header.
func (r *LedgerRepo) DeleteEntry(ctx context.Context, q Querier, reportID, entryID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND report_id = $2`, r.t.entries)
	res, err := q.ExecContext(ctx, query, entryID, reportID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", r.t.entries, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ReplaceEntries swaps the full entry set of a header. Callers hold the header lock.
func (r *LedgerRepo) ReplaceEntries(ctx context.Context, q Querier, reportID int64, entries []models.ReportEntry) ([]models.ReportEntry, error) {
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE report_id = $1`, r.t.entries), reportID); err != nil {
		return nil, fmt.Errorf("clear %s: %w", r.t.entries, err)
	}
	out := make([]models.ReportEntry, 0, len(entries))
	for _, e := range entries {
		e.ReportID = reportID
		if err := r.InsertEntry(ctx, q, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ========================
// AMENDMENTS
// ========================

// InsertAmendment appends an amendment. Amendments are never updated or deleted.
func (r *LedgerRepo) InsertAmendment(ctx context.Context, q Querier, a *models.Amendment) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (report_id, amended_by, reason, before_data, after_data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`, r.t.amendments)
	err := q.QueryRowContext(ctx, query, a.ReportID, a.AmendedBy, a.Reason, []byte(a.Before), []byte(a.After)).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.t.amendments, err)
	}
	return nil
}

// ListAmendments returns the amendments of a header, oldest first.
func (r *LedgerRepo) ListAmendments(ctx context.Context, q Querier, reportID int64) ([]models.Amendment, error) {
	query := fmt.Sprintf(`
		SELECT id, report_id, amended_by, reason, before_data, after_data, created_at
		FROM %s WHERE report_id = $1 ORDER BY id`, r.t.amendments)
	rows, err := q.QueryContext(ctx, query, reportID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.t.amendments, err)
	}
	defer rows.Close()

	list := []models.Amendment{}
	for rows.Next() {
		var a models.Amendment
		var before, after []byte
		if err := rows.Scan(&a.ID, &a.ReportID, &a.AmendedBy, &a.Reason, &before, &after, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Before, a.After = before, after
		list = append(list, a)
	}
	return list, rows.Err()
}

// ========================
// AGGREGATION
// ========================

// SumHoursByEmployee totals finalized hours per employee over headers lying
// entirely inside p. Drafts are excluded.
func (r *LedgerRepo) SumHoursByEmployee(ctx context.Context, q Querier, p models.Period) (map[int64]decimal.Decimal, error) {
	query := fmt.Sprintf(`
		SELECT e.employee_id, SUM(e.hours)
		FROM %s e
		JOIN %s h ON h.id = e.report_id
		WHERE h.status IN ('submitted', 'amended')
		  AND h.period_start >= $1
		  AND h.period_end <= $2
		GROUP BY e.employee_id`, r.t.entries, r.t.reports)
	rows, err := q.QueryContext(ctx, query, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", r.t.entries, err)
	}
	defer rows.Close()

	totals := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var employeeID int64
		var sum decimal.Decimal
		if err := rows.Scan(&employeeID, &sum); err != nil {
			return nil, err
		}
		totals[employeeID] = sum
	}
	return totals, rows.Err()
}

// where accumulates AND-ed predicates written with ? placeholders and
// renumbers them to $n.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
