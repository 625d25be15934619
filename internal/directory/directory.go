// Package directory reads the master data the service does not own: users,
// departments, projects and project membership.
package directory

import (
	"context"
	"fmt"

	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/lib/pq"
)

// Directory answers ownership and membership questions.
type Directory interface {
	// OwnsProject reports whether userID owns projectID.
	OwnsProject(ctx context.Context, userID, projectID int64) (bool, error)
	// DepartmentExists reports whether departmentID exists.
	DepartmentExists(ctx context.Context, departmentID int64) (bool, error)
	// NonProjectMembers returns the employeeIDs that are not members of projectID.
	NonProjectMembers(ctx context.Context, projectID int64, employeeIDs []int64) ([]int64, error)
	// NonDepartmentMembers returns the employeeIDs that do not belong to departmentID.
	NonDepartmentMembers(ctx context.Context, departmentID int64, employeeIDs []int64) ([]int64, error)
	// MissingProjects returns the projectIDs that do not exist.
	MissingProjects(ctx context.Context, projectIDs []int64) ([]int64, error)
	// People returns summaries for userIDs; unknown ids are omitted.
	People(ctx context.Context, userIDs []int64) (map[int64]models.PersonSummary, error)
}

// SQL implements Directory against the directory tables.
type SQL struct {
	q repo.Querier
}

func NewSQL(q repo.Querier) *SQL {
	return &SQL{q: q}
}

func (d *SQL) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := d.q.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (d *SQL) OwnsProject(ctx context.Context, userID, projectID int64) (bool, error) {
	return d.exists(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1 AND owner_id = $2)`, projectID, userID)
}

func (d *SQL) DepartmentExists(ctx context.Context, departmentID int64) (bool, error) {
	return d.exists(ctx, `SELECT EXISTS (SELECT 1 FROM departments WHERE id = $1)`, departmentID)
}

func (d *SQL) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *SQL) NonProjectMembers(ctx context.Context, projectID int64, employeeIDs []int64) ([]int64, error) {
	if len(employeeIDs) == 0 {
		return nil, nil
	}
	out, err := d.ids(ctx, `
		SELECT t.id FROM unnest($2::bigint[]) AS t(id)
		WHERE NOT EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = $1 AND m.user_id = t.id)
		ORDER BY t.id`, projectID, pq.Array(employeeIDs))
	if err != nil {
		return nil, fmt.Errorf("project membership: %w", err)
	}
	return out, nil
}

func (d *SQL) NonDepartmentMembers(ctx context.Context, departmentID int64, employeeIDs []int64) ([]int64, error) {
	if len(employeeIDs) == 0 {
		return nil, nil
	}
	out, err := d.ids(ctx, `
		SELECT t.id FROM unnest($2::bigint[]) AS t(id)
		WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.id = t.id AND u.department_id = $1)
		ORDER BY t.id`, departmentID, pq.Array(employeeIDs))
	if err != nil {
		return nil, fmt.Errorf("department membership: %w", err)
	}
	return out, nil
}

func (d *SQL) MissingProjects(ctx context.Context, projectIDs []int64) ([]int64, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	out, err := d.ids(ctx, `
		SELECT t.id FROM unnest($1::bigint[]) AS t(id)
		WHERE NOT EXISTS (SELECT 1 FROM projects p WHERE p.id = t.id)
		ORDER BY t.id`, pq.Array(projectIDs))
	if err != nil {
		return nil, fmt.Errorf("project lookup: %w", err)
	}
	return out, nil
}

func (d *SQL) People(ctx context.Context, userIDs []int64) (map[int64]models.PersonSummary, error) {
	out := make(map[int64]models.PersonSummary, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := d.q.QueryContext(ctx, `SELECT id, name, email FROM users WHERE id = ANY($1)`, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("people lookup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.PersonSummary
		if err := rows.Scan(&p.ID, &p.Name, &p.Email); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}
