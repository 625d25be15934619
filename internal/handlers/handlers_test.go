package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/crucial707/hours-reconcile/internal/access"
	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/ledger"
	"github.com/crucial707/hours-reconcile/internal/middleware"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/reconcile"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/crucial707/hours-reconcile/internal/resolution"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// requestWithChiURLParams returns a request with chi route context and URL params set,
// authenticated as a.
func requestWithChiURLParams(method, path string, body []byte, params map[string]string, a *models.Actor) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	if a != nil {
		ctx = middleware.WithActor(ctx, *a)
	}
	return r.WithContext(ctx)
}

var (
	owner = &models.Actor{ID: 7, Roles: []string{models.RoleProjectOwner}}
	ceo   = &models.Actor{ID: 1, Roles: []string{models.RoleCEO}}
)

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// fakeLedger implements LedgerService, returning err when set.
type fakeLedger struct {
	source  models.Source
	err     error
	created ledger.CreateInput
	query   repo.ReportQuery
	deleted [2]int64
}

func (f *fakeLedger) Source() models.Source { return f.source }

func (f *fakeLedger) header(id int64) *models.ReportHeader {
	return &models.ReportHeader{ID: id, Source: f.source, EntityID: 3, Status: models.ReportDraft,
		PeriodStart: models.NewDate(2024, time.March, 4), PeriodEnd: models.NewDate(2024, time.March, 10)}
}

func (f *fakeLedger) Create(_ context.Context, _ models.Actor, in ledger.CreateInput) (*models.ReportHeader, error) {
	f.created = in
	if f.err != nil {
		return nil, f.err
	}
	return f.header(11), nil
}

func (f *fakeLedger) Update(_ context.Context, _ models.Actor, id int64, _ ledger.UpdateInput) (*models.ReportHeader, error) {
	return f.header(id), f.err
}

func (f *fakeLedger) Submit(_ context.Context, _ models.Actor, id int64) (*models.ReportHeader, error) {
	if f.err != nil {
		return nil, f.err
	}
	h := f.header(id)
	h.Status = models.ReportSubmitted
	return h, nil
}

func (f *fakeLedger) Amend(_ context.Context, _ models.Actor, id int64, _ ledger.AmendInput) (*models.ReportHeader, error) {
	return f.header(id), f.err
}

func (f *fakeLedger) Delete(_ context.Context, _ models.Actor, id int64) error {
	f.deleted = [2]int64{id, 0}
	return f.err
}

func (f *fakeLedger) List(_ context.Context, _ models.Actor, rq repo.ReportQuery) ([]models.ReportHeader, int, error) {
	f.query = rq
	return []models.ReportHeader{*f.header(11)}, 1, f.err
}

func (f *fakeLedger) Get(_ context.Context, _ models.Actor, id int64) (*models.ReportHeader, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.header(id), nil
}

func (f *fakeLedger) ListEntries(context.Context, models.Actor, int64) ([]models.ReportEntry, error) {
	return []models.ReportEntry{{ID: 1, EmployeeID: 20, Hours: decimal.NewFromInt(40)}}, f.err
}

func (f *fakeLedger) AddEntry(_ context.Context, _ models.Actor, id int64, in ledger.EntryInput) (*models.ReportEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.ReportEntry{ID: 2, ReportID: id, EmployeeID: in.EmployeeID, Hours: in.Hours}, nil
}

func (f *fakeLedger) UpdateEntry(_ context.Context, _ models.Actor, id, entryID int64, in ledger.EntryInput) (*models.ReportEntry, error) {
	return &models.ReportEntry{ID: entryID, ReportID: id, EmployeeID: in.EmployeeID, Hours: in.Hours}, f.err
}

func (f *fakeLedger) DeleteEntry(_ context.Context, _ models.Actor, id, entryID int64) error {
	f.deleted = [2]int64{id, entryID}
	return f.err
}

func TestLedgerHandler_CreateMapsEntityKey(t *testing.T) {
	svc := &fakeLedger{source: models.SourceA}
	h := &LedgerHandler{Service: svc}

	body := []byte(`{"project_id":3,"period_start":"2024-03-04","period_end":"2024-03-10",
		"entries":[{"employee_id":20,"hours":"40.5"}]}`)
	rr := httptest.NewRecorder()
	h.Create(rr, requestWithChiURLParams("POST", "/v1/project-reports", body, nil, owner))

	if rr.Code != http.StatusCreated {
		t.Fatalf("Create status: got %d, want 201 (%s)", rr.Code, rr.Body.String())
	}
	if svc.created.EntityID != 3 || len(svc.created.Entries) != 1 || !svc.created.Entries[0].Hours.Equal(decimal.RequireFromString("40.5")) {
		t.Errorf("unexpected input: %+v", svc.created)
	}
	var out map[string]any
	decodeBody(t, rr, &out)
	if out["project_id"] != float64(3) || out["department_id"] != nil {
		t.Errorf("unexpected entity keys: %v", out)
	}
}

func TestLedgerHandler_CreateRequiresSourceKey(t *testing.T) {
	svc := &fakeLedger{source: models.SourceB}
	h := &LedgerHandler{Service: svc}

	// project_id is not the Source B key
	body := []byte(`{"project_id":3,"period_start":"2024-03-04","period_end":"2024-03-10"}`)
	rr := httptest.NewRecorder()
	h.Create(rr, requestWithChiURLParams("POST", "/v1/department-reports", body, nil, owner))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
	var out struct {
		Fields map[string]string `json:"fields"`
	}
	decodeBody(t, rr, &out)
	if out.Fields["department_id"] == "" {
		t.Errorf("expected department_id field error, got %v", out.Fields)
	}
}

func TestLedgerHandler_ListFilters(t *testing.T) {
	svc := &fakeLedger{source: models.SourceA}
	h := &LedgerHandler{Service: svc}

	rr := httptest.NewRecorder()
	h.List(rr, requestWithChiURLParams("GET", "/v1/project-reports?status=submitted&from=2024-03-01&project_id=3&page=2&per_page=10", nil, nil, ceo))

	if rr.Code != http.StatusOK {
		t.Fatalf("List status: got %d (%s)", rr.Code, rr.Body.String())
	}
	q := svc.query
	if q.Status != models.ReportSubmitted || q.EntityID == nil || *q.EntityID != 3 || q.Limit != 10 || q.Offset != 10 {
		t.Errorf("unexpected query: %+v", q)
	}
	if !q.From.Equal(models.NewDate(2024, time.March, 1).Time) || !q.To.IsZero() {
		t.Errorf("unexpected dates: %v %v", q.From, q.To)
	}
	var out struct {
		Total   int `json:"total"`
		Page    int `json:"page"`
		PerPage int `json:"per_page"`
	}
	decodeBody(t, rr, &out)
	if out.Total != 1 || out.Page != 2 || out.PerPage != 10 {
		t.Errorf("unexpected page: %+v", out)
	}
}

func TestLedgerHandler_ListRejectsBadQuery(t *testing.T) {
	h := &LedgerHandler{Service: &fakeLedger{source: models.SourceA}}
	for _, path := range []string{
		"/v1/project-reports?status=archived",
		"/v1/project-reports?from=03/01/2024",
		"/v1/project-reports?per_page=0",
		"/v1/project-reports?project_id=x",
	} {
		rr := httptest.NewRecorder()
		h.List(rr, requestWithChiURLParams("GET", path, nil, nil, ceo))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", path, rr.Code)
		}
	}
}

func TestLedgerHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.ErrAuthorizationDenied, http.StatusForbidden, ""},
		{apperr.ErrNotFound, http.StatusNotFound, ""},
		{apperr.ErrAlreadySubmitted, http.StatusConflict, "already_submitted"},
		{apperr.ErrImmutableRecord, http.StatusMethodNotAllowed, ""},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, c := range cases {
		h := &LedgerHandler{Service: &fakeLedger{source: models.SourceA, err: c.err}}
		rr := httptest.NewRecorder()
		h.Submit(rr, requestWithChiURLParams("POST", "/v1/project-reports/5/submit", nil, map[string]string{"id": "5"}, owner))
		if rr.Code != c.status {
			t.Errorf("%v: got %d, want %d", c.err, rr.Code, c.status)
			continue
		}
		var out map[string]string
		decodeBody(t, rr, &out)
		if out["code"] != c.code {
			t.Errorf("%v: code %q, want %q", c.err, out["code"], c.code)
		}
		if c.status == http.StatusInternalServerError && out["error"] != ErrMessageInternal {
			t.Errorf("500 leaked %q", out["error"])
		}
		if c.status == http.StatusForbidden && out["error"] != "access denied" {
			t.Errorf("403 body %q", out["error"])
		}
	}
}

func TestLedgerHandler_Entries(t *testing.T) {
	svc := &fakeLedger{source: models.SourceB}
	h := &LedgerHandler{Service: svc}
	mgr := &models.Actor{ID: 8, Roles: []string{models.RoleDeptManager}}

	rr := httptest.NewRecorder()
	h.AddEntry(rr, requestWithChiURLParams("POST", "/v1/department-reports/5/entries",
		[]byte(`{"employee_id":20,"project_id":3,"hours":"12.25"}`), map[string]string{"id": "5"}, mgr))
	if rr.Code != http.StatusCreated {
		t.Fatalf("AddEntry status: got %d (%s)", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.DeleteEntry(rr, requestWithChiURLParams("DELETE", "/v1/department-reports/5/entries/9", nil,
		map[string]string{"id": "5", "entryID": "9"}, mgr))
	if rr.Code != http.StatusNoContent || svc.deleted != [2]int64{5, 9} {
		t.Errorf("DeleteEntry: got %d, deleted %v", rr.Code, svc.deleted)
	}

	rr = httptest.NewRecorder()
	h.UpdateEntry(rr, requestWithChiURLParams("PUT", "/v1/department-reports/5/entries/abc", []byte(`{}`),
		map[string]string{"id": "5", "entryID": "abc"}, mgr))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad entry id: got %d, want 400", rr.Code)
	}
}

func TestLedgerHandler_InvalidJSON(t *testing.T) {
	h := &LedgerHandler{Service: &fakeLedger{source: models.SourceA}}
	rr := httptest.NewRecorder()
	h.Amend(rr, requestWithChiURLParams("POST", "/v1/project-reports/5/amend", []byte(`{"reason":`),
		map[string]string{"id": "5"}, owner))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", rr.Code)
	}
}

func TestLedgerHandler_NoActor(t *testing.T) {
	h := &LedgerHandler{Service: &fakeLedger{source: models.SourceA}}
	rr := httptest.NewRecorder()
	h.Get(rr, requestWithChiURLParams("GET", "/v1/project-reports/5", nil, map[string]string{"id": "5"}, nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want 401", rr.Code)
	}
}

// fakeConflicts implements ConflictService.
type fakeConflicts struct {
	err   error
	query repo.ConflictQuery
	notes string
}

func (f *fakeConflicts) List(_ context.Context, _ models.Actor, cq repo.ConflictQuery) ([]models.ConflictAlert, int, error) {
	f.query = cq
	return []models.ConflictAlert{{ID: 4, Status: models.ConflictOpen}}, 1, f.err
}

func (f *fakeConflicts) Get(_ context.Context, _ models.Actor, id int64) (*models.ConflictAlert, error) {
	return &models.ConflictAlert{ID: id}, f.err
}

func (f *fakeConflicts) Stats(context.Context, models.Actor) (models.ConflictStats, error) {
	return models.ConflictStats{Total: 3, Open: 1, Escalated: 1, Resolved: 1, Unresolved: 2}, f.err
}

func (f *fakeConflicts) Resolve(_ context.Context, _ models.Actor, id int64, in resolution.ResolveInput) (*models.ConflictAlert, error) {
	f.notes = in.Notes
	if f.err != nil {
		return nil, f.err
	}
	return &models.ConflictAlert{ID: id, Status: models.ConflictResolved, ResolutionNotes: in.Notes}, nil
}

func TestConflictHandler_ListCapsPerPage(t *testing.T) {
	svc := &fakeConflicts{}
	h := &ConflictHandler{Service: svc}
	rr := httptest.NewRecorder()
	h.List(rr, requestWithChiURLParams("GET", "/v1/conflicts?status=escalated&per_page=500", nil, nil, ceo))

	if rr.Code != http.StatusOK {
		t.Fatalf("List status: got %d", rr.Code)
	}
	if svc.query.Limit != resolution.MaxPerPage || svc.query.Status != models.ConflictEscalated {
		t.Errorf("unexpected query: %+v", svc.query)
	}
}

func TestConflictHandler_Resolve(t *testing.T) {
	svc := &fakeConflicts{}
	h := &ConflictHandler{Service: svc}
	rr := httptest.NewRecorder()
	h.Resolve(rr, requestWithChiURLParams("POST", "/v1/conflicts/4/resolve",
		[]byte(`{"resolution_notes":"Confirmed with both managers"}`), map[string]string{"id": "4"}, ceo))

	if rr.Code != http.StatusOK {
		t.Fatalf("Resolve status: got %d", rr.Code)
	}
	var out models.ConflictAlert
	decodeBody(t, rr, &out)
	if out.Status != models.ConflictResolved || svc.notes != "Confirmed with both managers" {
		t.Errorf("unexpected result: %+v", out)
	}

	svc.err = apperr.ErrAlreadyResolved
	rr = httptest.NewRecorder()
	h.Resolve(rr, requestWithChiURLParams("POST", "/v1/conflicts/4/resolve",
		[]byte(`{"resolution_notes":"Confirmed with both managers"}`), map[string]string{"id": "4"}, ceo))
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), "already_resolved") {
		t.Errorf("already resolved: got %d %s", rr.Code, rr.Body.String())
	}
}

func TestConflictHandler_Stats(t *testing.T) {
	h := &ConflictHandler{Service: &fakeConflicts{}}
	rr := httptest.NewRecorder()
	h.Stats(rr, requestWithChiURLParams("GET", "/v1/conflicts/stats", nil, nil, ceo))
	var out models.ConflictStats
	decodeBody(t, rr, &out)
	if out.Unresolved != 2 {
		t.Errorf("unexpected stats: %+v", out)
	}
}

// fakeRuns implements RunService.
type fakeRuns struct {
	err error
	in  reconcile.TriggerInput
}

func (f *fakeRuns) Trigger(_ context.Context, _ models.Actor, in reconcile.TriggerInput) (*models.ValidationRun, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &models.ValidationRun{ID: 9, Status: models.RunCompleted, EmployeesChecked: 12, ConflictsFound: 2}, nil
}

func (f *fakeRuns) List(context.Context, models.Actor, models.RunStatus, int, int) ([]models.ValidationRun, error) {
	return []models.ValidationRun{{ID: 9}}, f.err
}

func (f *fakeRuns) Get(_ context.Context, _ models.Actor, id int64) (*models.ValidationRun, error) {
	return &models.ValidationRun{ID: id}, f.err
}

func TestReconciliationHandler_Trigger(t *testing.T) {
	svc := &fakeRuns{}
	h := &ReconciliationHandler{Service: svc}
	rr := httptest.NewRecorder()
	h.Trigger(rr, requestWithChiURLParams("POST", "/v1/reconciliations",
		[]byte(`{"period_start":"2024-03-04","period_end":"2024-03-10"}`), nil, ceo))

	if rr.Code != http.StatusCreated {
		t.Fatalf("Trigger status: got %d (%s)", rr.Code, rr.Body.String())
	}
	if svc.in.PeriodStart == nil || svc.in.PeriodEnd == nil || !svc.in.PeriodStart.Equal(models.NewDate(2024, time.March, 4).Time) {
		t.Errorf("unexpected input: %+v", svc.in)
	}

	// An empty body leaves both bounds nil so the service picks the previous week.
	rr = httptest.NewRecorder()
	h.Trigger(rr, requestWithChiURLParams("POST", "/v1/reconciliations", nil, nil, ceo))
	if rr.Code != http.StatusCreated || svc.in.PeriodStart != nil {
		t.Errorf("empty body: got %d, input %+v", rr.Code, svc.in)
	}
}

func TestReconciliationHandler_TriggerErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.ErrRunInProgress, http.StatusConflict},
		{&apperr.RunFailure{Job: "reconcile", RunID: 9, Err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, c := range cases {
		h := &ReconciliationHandler{Service: &fakeRuns{err: c.err}}
		rr := httptest.NewRecorder()
		h.Trigger(rr, requestWithChiURLParams("POST", "/v1/reconciliations", nil, nil, ceo))
		if rr.Code != c.status {
			t.Errorf("%v: got %d, want %d", c.err, rr.Code, c.status)
		}
	}

	h := &ReconciliationHandler{Service: &fakeRuns{err: &apperr.RunFailure{Job: "reconcile", RunID: 9, Err: errors.New("db down")}}}
	rr := httptest.NewRecorder()
	h.Trigger(rr, requestWithChiURLParams("POST", "/v1/reconciliations", nil, nil, ceo))
	var out map[string]any
	decodeBody(t, rr, &out)
	if out["run_id"] != float64(9) || strings.Contains(rr.Body.String(), "db down") {
		t.Errorf("unexpected failure body: %v", out)
	}
}

func TestReconciliationHandler_ListRejectsStatus(t *testing.T) {
	h := &ReconciliationHandler{Service: &fakeRuns{}}
	rr := httptest.NewRecorder()
	h.List(rr, requestWithChiURLParams("GET", "/v1/reconciliations?status=paused", nil, nil, ceo))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", rr.Code)
	}
}

type guardFunc func(access.Request) error

func (f guardFunc) Authorize(_ context.Context, req access.Request) error { return f(req) }

func TestAuditHandler_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	actorID := int64(1)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE subject_type = \$1 AND actor_id = \$2`).
		WithArgs("conflict_alert", actorID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	now := time.Now()
	mock.ExpectQuery(`FROM audit_logs WHERE subject_type = \$1 AND actor_id = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("conflict_alert", actorID, 200, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_type", "subject_id", "action", "actor_id", "actor_role",
			"before_data", "after_data", "ip_address", "user_agent", "created_at"}).
			AddRow(3, "conflict_alert", 4, "resolved", 1, "ceo", nil, []byte(`{"status":"resolved"}`), "10.0.0.1", "", now))

	var seen access.Request
	h := &AuditHandler{
		Guard: guardFunc(func(req access.Request) error { seen = req; return nil }),
		Store: repo.NewStore(db),
		Repo:  repo.NewAuditRepo(),
	}
	rr := httptest.NewRecorder()
	h.List(rr, requestWithChiURLParams("GET", "/v1/audit-logs?subject_type=conflict_alert&actor_id=1&per_page=1000", nil, nil, ceo))

	if rr.Code != http.StatusOK {
		t.Fatalf("List status: got %d (%s)", rr.Code, rr.Body.String())
	}
	if seen.Kind != access.KindAudit || seen.Op != access.OpList {
		t.Errorf("unexpected authorization request: %+v", seen)
	}
	var out struct {
		Data []models.AuditEntry `json:"data"`
	}
	decodeBody(t, rr, &out)
	if len(out.Data) != 1 || out.Data[0].Action != "resolved" {
		t.Errorf("unexpected entries: %+v", out.Data)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestAuditHandler_DeniedBeforeQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	h := &AuditHandler{
		Guard: guardFunc(func(access.Request) error { return apperr.ErrAuthorizationDenied }),
		Store: repo.NewStore(db),
		Repo:  repo.NewAuditRepo(),
	}
	rr := httptest.NewRecorder()
	h.List(rr, requestWithChiURLParams("GET", "/v1/audit-logs", nil, nil, owner))
	if rr.Code != http.StatusForbidden {
		t.Errorf("got %d, want 403", rr.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func TestRouter_PublicAndProtected(t *testing.T) {
	r := NewRouter(Deps{
		DB:        pinger{err: errors.New("down")},
		JWTSecret: []byte("router-secret"),
		SourceA:   &fakeLedger{source: models.SourceA},
		SourceB:   &fakeLedger{source: models.SourceB},
		Conflicts: &fakeConflicts{},
		Runs:      &fakeRuns{},
		Audit:     &AuditHandler{},
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	get := func(path, token string) int {
		req, _ := http.NewRequest("GET", srv.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/health", ""); code != http.StatusOK {
		t.Errorf("/health: %d", code)
	}
	if code := get("/ready", ""); code != http.StatusServiceUnavailable {
		t.Errorf("/ready with db down: %d", code)
	}
	if code := get("/v1/conflicts", ""); code != http.StatusUnauthorized {
		t.Errorf("/v1/conflicts without token: %d", code)
	}

	token, err := middleware.IssueToken([]byte("router-secret"), *ceo, nil)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if code := get("/v1/conflicts/stats", token); code != http.StatusOK {
		t.Errorf("/v1/conflicts/stats: %d", code)
	}
	if code := get("/v1/department-reports/5", token); code != http.StatusOK {
		t.Errorf("/v1/department-reports/5: %d", code)
	}
}
