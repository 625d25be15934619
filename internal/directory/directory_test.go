package directory

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/lib/pq"
)

func TestSQL_OwnsProject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM projects WHERE id = \$1 AND owner_id = \$2\)`).
		WithArgs(int64(7), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := NewSQL(repo.Guard(db)).OwnsProject(context.Background(), 3, 7)
	if err != nil || !ok {
		t.Fatalf("expected owner, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestSQL_NonProjectMembers(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`FROM unnest\(\$2::bigint\[\]\) AS t\(id\)\s+WHERE NOT EXISTS \(SELECT 1 FROM project_members`).
		WithArgs(int64(7), pq.Array([]int64{20, 21})).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))

	missing, err := NewSQL(repo.Guard(db)).NonProjectMembers(context.Background(), 7, []int64{20, 21})
	if err != nil {
		t.Fatalf("NonProjectMembers: %v", err)
	}
	if len(missing) != 1 || missing[0] != 21 {
		t.Errorf("unexpected non-members: %v", missing)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestSQL_EmptyInputsSkipQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	d := NewSQL(repo.Guard(db))
	if out, err := d.NonDepartmentMembers(context.Background(), 1, nil); err != nil || out != nil {
		t.Errorf("expected nil, got %v %v", out, err)
	}
	if out, err := d.MissingProjects(context.Background(), nil); err != nil || out != nil {
		t.Errorf("expected nil, got %v %v", out, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
