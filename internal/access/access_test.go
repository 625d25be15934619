package access

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/audit"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDir owns project 7 for user 3.
type fakeDir struct{}

func (fakeDir) OwnsProject(_ context.Context, userID, projectID int64) (bool, error) {
	return userID == 3 && projectID == 7, nil
}
func (fakeDir) DepartmentExists(context.Context, int64) (bool, error) { return true, nil }
func (fakeDir) NonProjectMembers(context.Context, int64, []int64) ([]int64, error) {
	return nil, nil
}
func (fakeDir) NonDepartmentMembers(context.Context, int64, []int64) ([]int64, error) {
	return nil, nil
}
func (fakeDir) MissingProjects(context.Context, []int64) ([]int64, error) { return nil, nil }
func (fakeDir) People(context.Context, []int64) (map[int64]models.PersonSummary, error) {
	return nil, nil
}

func dept(id int64) *int64 { return &id }

var (
	ceo          = models.Actor{ID: 1, Roles: []string{models.RoleCEO}}
	gm           = models.Actor{ID: 2, Roles: []string{models.RoleGM}}
	projectOwner = models.Actor{ID: 3, Roles: []string{models.RoleProjectOwner}}
	otherOwner   = models.Actor{ID: 4, Roles: []string{models.RoleProjectOwner}}
	deptManager  = models.Actor{ID: 5, Roles: []string{models.RoleDeptManager}, DepartmentID: dept(2)}
	nobody       = models.Actor{ID: 6, Roles: []string{"employee"}}
)

var ledgerOps = []Op{OpList, OpGet, OpCreate, OpUpdate, OpDelete, OpSubmit, OpAmend, OpListEntries, OpWriteEntry}

func reportA() *models.ReportHeader {
	return &models.ReportHeader{ID: 11, Source: models.SourceA, EntityID: 7, SubmittedBy: 3}
}

func reportB() *models.ReportHeader {
	return &models.ReportHeader{ID: 12, Source: models.SourceB, EntityID: 2, SubmittedBy: 5}
}

func withReport(op Op, h *models.ReportHeader) *models.ReportHeader {
	if op == OpList || op == OpCreate {
		return nil
	}
	return h
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		req   Request
		allow bool
		rule  string
	}{
		{"ceo reads B", Request{Actor: ceo, Kind: KindLedger, Source: models.SourceB, Op: OpGet, Report: reportB()}, true, "full_access"},
		{"ceo triggers run", Request{Actor: ceo, Kind: KindRun, Op: OpTrigger}, true, "full_access"},
		{"gm lists conflicts", Request{Actor: gm, Kind: KindConflict, Op: OpList}, true, "reviewer_only"},
		{"gm resolves", Request{Actor: gm, Kind: KindConflict, Op: OpResolve}, true, "reviewer_only"},
		{"gm cannot trigger", Request{Actor: gm, Kind: KindRun, Op: OpTrigger}, false, "full_access_only"},
		{"gm reads runs", Request{Actor: gm, Kind: KindRun, Op: OpList}, true, "reviewer_only"},
		{"gm cannot read audit", Request{Actor: gm, Kind: KindAudit, Op: OpList}, false, "full_access_only"},
		{"gm reads A", Request{Actor: gm, Kind: KindLedger, Source: models.SourceA, Op: OpGet, Report: reportA()}, true, "reviewer_read"},
		{"gm cannot submit A", Request{Actor: gm, Kind: KindLedger, Source: models.SourceA, Op: OpSubmit, Report: reportA()}, false, "reviewer_read"},
		{"owner cannot see conflicts", Request{Actor: projectOwner, Kind: KindConflict, Op: OpList}, false, "reviewer_only"},
		{"manager cannot see conflicts", Request{Actor: deptManager, Kind: KindConflict, Op: OpGet}, false, "reviewer_only"},
		{"owner creates for own project", Request{Actor: projectOwner, Kind: KindLedger, Source: models.SourceA, Op: OpCreate, EntityID: 7}, true, "ownership"},
		{"owner creates for foreign project", Request{Actor: otherOwner, Kind: KindLedger, Source: models.SourceA, Op: OpCreate, EntityID: 7}, false, "ownership"},
		{"other owner cannot read", Request{Actor: otherOwner, Kind: KindLedger, Source: models.SourceA, Op: OpGet, Report: reportA()}, false, "ownership"},
		{"manager creates for own dept", Request{Actor: deptManager, Kind: KindLedger, Source: models.SourceB, Op: OpCreate, EntityID: 2}, true, "ownership"},
		{"manager creates for other dept", Request{Actor: deptManager, Kind: KindLedger, Source: models.SourceB, Op: OpCreate, EntityID: 3}, false, "ownership"},
		{"no role", Request{Actor: nobody, Kind: KindLedger, Source: models.SourceA, Op: OpList}, false, "ledger_role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Evaluate(ctx, fakeDir{}, tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, d.Allow)
			assert.Equal(t, tc.rule, d.Rule)
		})
	}
}

func TestEvaluate_SourceIsolationIsAbsolute(t *testing.T) {
	ctx := context.Background()
	for _, op := range ledgerOps {
		// A project owner never touches Source B, even a report they submitted.
		b := reportB()
		b.SubmittedBy = projectOwner.ID
		d, err := Evaluate(ctx, fakeDir{}, Request{Actor: projectOwner, Kind: KindLedger, Source: models.SourceB, Op: op, Report: withReport(op, b), EntityID: 2})
		require.NoError(t, err)
		assert.False(t, d.Allow, "project owner %s on B", op)
		assert.Equal(t, "source_isolation", d.Rule)

		a := reportA()
		a.SubmittedBy = deptManager.ID
		d, err = Evaluate(ctx, fakeDir{}, Request{Actor: deptManager, Kind: KindLedger, Source: models.SourceA, Op: op, Report: withReport(op, a), EntityID: 7})
		require.NoError(t, err)
		assert.False(t, d.Allow, "dept manager %s on A", op)
		assert.Equal(t, "source_isolation", d.Rule)
	}
}

func TestGuard_DenialIsAudited(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	g := NewGuard(fakeDir{}, audit.NewRecorder(repo.NewAuditRepo()), repo.Guard(db))
	ctx := audit.WithMeta(context.Background(), audit.Meta{Path: "/v1/department-reports", Method: "GET", IP: "10.0.0.9"})

	for _, op := range ledgerOps {
		mock.ExpectQuery(`INSERT INTO audit_logs`).
			WithArgs(audit.SubjectAccess, sqlmock.AnyArg(), audit.ActionAccessDenied, sqlmock.AnyArg(), models.RoleProjectOwner,
				nil, sqlmock.AnyArg(), "10.0.0.9", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
		err := g.Authorize(ctx, Request{Actor: projectOwner, Kind: KindLedger, Source: models.SourceB, Op: op, Report: withReport(op, reportB()), EntityID: 2})
		assert.ErrorIs(t, err, apperr.ErrAuthorizationDenied, "op %s", op)
	}
	for _, op := range ledgerOps {
		mock.ExpectQuery(`INSERT INTO audit_logs`).
			WithArgs(audit.SubjectAccess, sqlmock.AnyArg(), audit.ActionAccessDenied, sqlmock.AnyArg(), models.RoleDeptManager,
				nil, sqlmock.AnyArg(), "10.0.0.9", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
		err := g.Authorize(ctx, Request{Actor: deptManager, Kind: KindLedger, Source: models.SourceA, Op: op, Report: withReport(op, reportA()), EntityID: 7})
		assert.ErrorIs(t, err, apperr.ErrAuthorizationDenied, "op %s", op)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

// detailHas matches an audit JSON payload carrying key with value.
type detailHas struct{ key, value string }

func (d detailHas) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return false
	}
	return m[d.key] == d.value
}

func TestGuard_DenialRecordsRequestedOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO audit_logs`).
		WithArgs(audit.SubjectAccess, int64(404), audit.ActionAccessDenied, sqlmock.AnyArg(), models.RoleDeptManager,
			nil, detailHas{"requested_op", "update"}, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

	g := NewGuard(fakeDir{}, audit.NewRecorder(repo.NewAuditRepo()), repo.Guard(db))
	err = g.Authorize(context.Background(), Request{
		Actor: deptManager, Kind: KindLedger, Source: models.SourceA,
		Op: OpList, Requested: OpUpdate, TargetID: 404,
	})
	assert.ErrorIs(t, err, apperr.ErrAuthorizationDenied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_AuditFailureFailsRequest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO audit_logs`).WillReturnError(errors.New("connection reset"))

	g := NewGuard(fakeDir{}, audit.NewRecorder(repo.NewAuditRepo()), repo.Guard(db))
	err = g.Authorize(context.Background(), Request{Actor: deptManager, Kind: KindConflict, Op: OpList})
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrAuthorizationDenied)
}

func TestGuard_AllowWritesNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	g := NewGuard(fakeDir{}, audit.NewRecorder(repo.NewAuditRepo()), repo.Guard(db))
	require.NoError(t, g.Authorize(context.Background(), Request{Actor: gm, Kind: KindConflict, Op: OpList}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScopeReports(t *testing.T) {
	base := repo.ReportQuery{Status: models.ReportSubmitted, Scope: repo.ScopeAll}

	q := ScopeReports(projectOwner, models.SourceA, base)
	assert.Equal(t, repo.ScopeOwner, q.Scope)
	assert.Equal(t, int64(3), q.ScopeID)
	assert.Equal(t, models.ReportSubmitted, q.Status)

	assert.Equal(t, repo.ScopeNone, ScopeReports(projectOwner, models.SourceB, base).Scope)
	assert.Equal(t, repo.ScopeNone, ScopeReports(deptManager, models.SourceA, base).Scope)

	q = ScopeReports(deptManager, models.SourceB, base)
	assert.Equal(t, repo.ScopeDepartment, q.Scope)
	assert.Equal(t, int64(2), q.ScopeID)

	assert.Equal(t, repo.ScopeAll, ScopeReports(gm, models.SourceB, base).Scope)
	assert.Equal(t, repo.ScopeAll, ScopeReports(ceo, models.SourceA, base).Scope)
	assert.Equal(t, repo.ScopeNone, ScopeReports(nobody, models.SourceA, base).Scope)

	noDept := models.Actor{ID: 8, Roles: []string{models.RoleDeptManager}}
	assert.Equal(t, repo.ScopeNone, ScopeReports(noDept, models.SourceB, base).Scope)
}
