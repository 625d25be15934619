package handlers

import (
	"context"
	"net/http"

	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/crucial707/hours-reconcile/internal/resolution"
	"github.com/go-chi/chi/v5"
)

// ConflictService is implemented by *resolution.Service.
type ConflictService interface {
	List(ctx context.Context, actor models.Actor, cq repo.ConflictQuery) ([]models.ConflictAlert, int, error)
	Get(ctx context.Context, actor models.Actor, id int64) (*models.ConflictAlert, error)
	Stats(ctx context.Context, actor models.Actor) (models.ConflictStats, error)
	Resolve(ctx context.Context, actor models.Actor, id int64, in resolution.ResolveInput) (*models.ConflictAlert, error)
}

type ConflictHandler struct {
	Service ConflictService
}

func (h *ConflictHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/resolve", h.Resolve)
	return r
}

// List handles GET /v1/conflicts?status&from&to&page&per_page.
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	p, err := parsePage(r, 20, resolution.MaxPerPage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cq := repo.ConflictQuery{
		Status: models.ConflictStatus(r.URL.Query().Get("status")),
		Limit:  p.PerPage,
		Offset: p.offset(),
	}
	if cq.From, err = queryDate(r, "from"); err != nil {
		writeError(w, r, err)
		return
	}
	if cq.To, err = queryDate(r, "to"); err != nil {
		writeError(w, r, err)
		return
	}

	list, total, err := h.Service.List(r.Context(), a, cq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Data: list, Total: total, Page: p.Page, PerPage: p.PerPage})
}

func (h *ConflictHandler) Stats(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	stats, err := h.Service.Stats(r.Context(), a)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *ConflictHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Service.Get(r.Context(), a, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Resolve handles POST /v1/conflicts/{id}/resolve {"resolution_notes": "..."}.
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in resolution.ResolveInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Service.Resolve(r.Context(), a, id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
