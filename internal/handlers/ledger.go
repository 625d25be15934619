package handlers

import (
	"context"
	"net/http"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/ledger"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/go-chi/chi/v5"
)

// LedgerService is implemented by *ledger.Service.
type LedgerService interface {
	Source() models.Source
	Create(ctx context.Context, actor models.Actor, in ledger.CreateInput) (*models.ReportHeader, error)
	Update(ctx context.Context, actor models.Actor, id int64, in ledger.UpdateInput) (*models.ReportHeader, error)
	Submit(ctx context.Context, actor models.Actor, id int64) (*models.ReportHeader, error)
	Amend(ctx context.Context, actor models.Actor, id int64, in ledger.AmendInput) (*models.ReportHeader, error)
	Delete(ctx context.Context, actor models.Actor, id int64) error
	List(ctx context.Context, actor models.Actor, rq repo.ReportQuery) ([]models.ReportHeader, int, error)
	Get(ctx context.Context, actor models.Actor, id int64) (*models.ReportHeader, error)
	ListEntries(ctx context.Context, actor models.Actor, id int64) ([]models.ReportEntry, error)
	AddEntry(ctx context.Context, actor models.Actor, id int64, in ledger.EntryInput) (*models.ReportEntry, error)
	UpdateEntry(ctx context.Context, actor models.Actor, id, entryID int64, in ledger.EntryInput) (*models.ReportEntry, error)
	DeleteEntry(ctx context.Context, actor models.Actor, id, entryID int64) error
}

// LedgerHandler serves one source's report endpoints. Source A reports are
// addressed by project_id, Source B by department_id.
type LedgerHandler struct {
	Service LedgerService
}

func (h *LedgerHandler) entityParam() string {
	if h.Service.Source() == models.SourceB {
		return "department_id"
	}
	return "project_id"
}

// Routes mounts under /v1/project-reports or /v1/department-reports.
func (h *LedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/submit", h.Submit)
	r.Post("/{id}/amend", h.Amend)
	r.Get("/{id}/entries", h.ListEntries)
	r.Post("/{id}/entries", h.AddEntry)
	r.Put("/{id}/entries/{entryID}", h.UpdateEntry)
	r.Delete("/{id}/entries/{entryID}", h.DeleteEntry)
	return r
}

// reportView adds the source-specific entity key to a header.
type reportView struct {
	*models.ReportHeader
	ProjectID    *int64 `json:"project_id,omitempty"`
	DepartmentID *int64 `json:"department_id,omitempty"`
}

func view(h *models.ReportHeader) reportView {
	v := reportView{ReportHeader: h}
	id := h.EntityID
	if h.Source == models.SourceB {
		v.DepartmentID = &id
	} else {
		v.ProjectID = &id
	}
	return v
}

//
// ==========================
// Headers
// ==========================
//

func (h *LedgerHandler) Create(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var body struct {
		ledger.CreateInput
		ProjectID    *int64 `json:"project_id"`
		DepartmentID *int64 `json:"department_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	entity := body.ProjectID
	if h.Service.Source() == models.SourceB {
		entity = body.DepartmentID
	}
	if entity == nil {
		writeError(w, r, apperr.Invalid(h.entityParam(), "required"))
		return
	}
	in := body.CreateInput
	in.EntityID = *entity

	report, err := h.Service.Create(r.Context(), a, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(report))
}

func (h *LedgerHandler) List(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	p, err := parsePage(r, 50, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rq := repo.ReportQuery{Scope: repo.ScopeAll, Status: models.ReportStatus(r.URL.Query().Get("status")), Limit: p.PerPage, Offset: p.offset()}
	switch rq.Status {
	case "", models.ReportDraft, models.ReportSubmitted, models.ReportAmended:
	default:
		writeError(w, r, apperr.Invalid("status", "must be one of draft, submitted, amended"))
		return
	}
	if rq.EntityID, err = queryInt64(r, h.entityParam()); err != nil {
		writeError(w, r, err)
		return
	}
	if rq.From, err = queryDate(r, "from"); err != nil {
		writeError(w, r, err)
		return
	}
	if rq.To, err = queryDate(r, "to"); err != nil {
		writeError(w, r, err)
		return
	}

	list, total, err := h.Service.List(r.Context(), a, rq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]reportView, 0, len(list))
	for i := range list {
		views = append(views, view(&list[i]))
	}
	writeJSON(w, http.StatusOK, pageResponse{Data: views, Total: total, Page: p.Page, PerPage: p.PerPage})
}

func (h *LedgerHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		report, err := h.Service.Get(r.Context(), a, id)
		if err != nil {
			return nil, 0, err
		}
		return view(report), http.StatusOK, nil
	})
}

func (h *LedgerHandler) Update(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		var in ledger.UpdateInput
		if err := decode(r, &in); err != nil {
			return nil, 0, err
		}
		report, err := h.Service.Update(r.Context(), a, id, in)
		if err != nil {
			return nil, 0, err
		}
		return view(report), http.StatusOK, nil
	})
}

func (h *LedgerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		return nil, http.StatusNoContent, h.Service.Delete(r.Context(), a, id)
	})
}

func (h *LedgerHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		report, err := h.Service.Submit(r.Context(), a, id)
		if err != nil {
			return nil, 0, err
		}
		return view(report), http.StatusOK, nil
	})
}

func (h *LedgerHandler) Amend(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		var in ledger.AmendInput
		if err := decode(r, &in); err != nil {
			return nil, 0, err
		}
		report, err := h.Service.Amend(r.Context(), a, id, in)
		if err != nil {
			return nil, 0, err
		}
		return view(report), http.StatusOK, nil
	})
}

//
// ==========================
// Entries
// ==========================
//

func (h *LedgerHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		entries, err := h.Service.ListEntries(r.Context(), a, id)
		return entries, http.StatusOK, err
	})
}

func (h *LedgerHandler) AddEntry(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		var in ledger.EntryInput
		if err := decode(r, &in); err != nil {
			return nil, 0, err
		}
		e, err := h.Service.AddEntry(r.Context(), a, id, in)
		return e, http.StatusCreated, err
	})
}

func (h *LedgerHandler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		entryID, err := urlID(r, "entryID")
		if err != nil {
			return nil, 0, err
		}
		var in ledger.EntryInput
		if err := decode(r, &in); err != nil {
			return nil, 0, err
		}
		e, err := h.Service.UpdateEntry(r.Context(), a, id, entryID, in)
		return e, http.StatusOK, err
	})
}

func (h *LedgerHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	h.withReport(w, r, func(a models.Actor, id int64) (any, int, error) {
		entryID, err := urlID(r, "entryID")
		if err != nil {
			return nil, 0, err
		}
		return nil, http.StatusNoContent, h.Service.DeleteEntry(r.Context(), a, id, entryID)
	})
}

// withReport resolves the caller and {id}, runs fn and writes its result.
func (h *LedgerHandler) withReport(w http.ResponseWriter, r *http.Request, fn func(a models.Actor, id int64) (any, int, error)) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, status, err := fn(a, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, out)
}
