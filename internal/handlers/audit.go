package handlers

import (
	"context"
	"net/http"

	"github.com/crucial707/hours-reconcile/internal/access"
	"github.com/crucial707/hours-reconcile/internal/repo"
)

// Authorizer is satisfied by *access.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, req access.Request) error
}

// AuditHandler lists the audit trail for full-access roles.
type AuditHandler struct {
	Guard Authorizer
	Store *repo.Store
	Repo  *repo.AuditRepo
}

// List handles GET /v1/audit-logs?subject_type&subject_id&actor_id&action&from&to&page&per_page.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.Guard.Authorize(r.Context(), access.Request{Actor: a, Kind: access.KindAudit, Op: access.OpList}); err != nil {
		writeError(w, r, err)
		return
	}

	p, err := parsePage(r, 50, 200)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	aq := repo.AuditQuery{
		SubjectType: q.Get("subject_type"),
		Action:      q.Get("action"),
		Limit:       p.PerPage,
		Offset:      p.offset(),
	}
	if aq.SubjectID, err = queryInt64(r, "subject_id"); err != nil {
		writeError(w, r, err)
		return
	}
	if aq.ActorID, err = queryInt64(r, "actor_id"); err != nil {
		writeError(w, r, err)
		return
	}
	if aq.From, err = queryTime(r, "from"); err != nil {
		writeError(w, r, err)
		return
	}
	if aq.To, err = queryTime(r, "to"); err != nil {
		writeError(w, r, err)
		return
	}

	entries, total, err := h.Repo.List(r.Context(), h.Store.Q(), aq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Data: entries, Total: total, Page: p.Page, PerPage: p.PerPage})
}
