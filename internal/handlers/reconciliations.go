package handlers

import (
	"context"
	"net/http"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

// RunService is implemented by *reconcile.Service.
type RunService interface {
	Trigger(ctx context.Context, actor models.Actor, in reconcile.TriggerInput) (*models.ValidationRun, error)
	List(ctx context.Context, actor models.Actor, status models.RunStatus, limit, offset int) ([]models.ValidationRun, error)
	Get(ctx context.Context, actor models.Actor, id int64) (*models.ValidationRun, error)
}

type ReconciliationHandler struct {
	Service RunService
	// TriggerLimit wraps POST / when set.
	TriggerLimit func(http.Handler) http.Handler
}

func (h *ReconciliationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	trigger := http.Handler(http.HandlerFunc(h.Trigger))
	if h.TriggerLimit != nil {
		trigger = h.TriggerLimit(trigger)
	}
	r.Method(http.MethodPost, "/", trigger)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	return r
}

// Trigger runs a reconciliation synchronously and returns the finished run.
// A failed run still answers 500 with its run_id so the caller can look it up.
func (h *ReconciliationHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var in reconcile.TriggerInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	run, err := h.Service.Trigger(r.Context(), a, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *ReconciliationHandler) List(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	p, err := parsePage(r, 20, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := models.RunStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.RunRunning, models.RunCompleted, models.RunFailed:
	default:
		writeError(w, r, apperr.Invalid("status", "must be one of running, completed, failed"))
		return
	}
	runs, err := h.Service.List(r.Context(), a, status, p.PerPage, p.offset())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *ReconciliationHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := h.Service.Get(r.Context(), a, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
