package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/middleware"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// ErrMessageInternal is the generic message for 500 responses. Do not expose internal details to clients.
const ErrMessageInternal = "internal server error"

// JSONError sends a JSON error response with a single "error" field.
func JSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// JSONValidationError sends a JSON error response with "error" and optional "fields" for field-level details.
// status is typically http.StatusBadRequest (400).
func JSONValidationError(w http.ResponseWriter, message string, fields map[string]string, status int) {
	out := map[string]interface{}{"error": message}
	if len(fields) > 0 {
		out["fields"] = fields
	}
	writeJSON(w, status, out)
}

// JSONConflict sends a 409 with a machine-readable code next to the message.
func JSONConflict(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusConflict, map[string]string{"error": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var conflictCodes = []struct {
	err  error
	code string
}{
	{apperr.ErrAlreadySubmitted, "already_submitted"},
	{apperr.ErrAlreadyResolved, "already_resolved"},
	{apperr.ErrDuplicatePeriod, "duplicate_period"},
	{apperr.ErrDuplicateEntry, "duplicate_entry"},
	{apperr.ErrRunInProgress, "run_in_progress"},
}

// writeError maps service errors onto HTTP responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		JSONValidationError(w, apperr.ErrValidation.Error(), verr.Fields, http.StatusBadRequest)
		return
	}
	switch {
	case errors.Is(err, apperr.ErrValidation):
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, apperr.ErrAuthorizationDenied):
		JSONError(w, apperr.ErrAuthorizationDenied.Error(), http.StatusForbidden)
		return
	case errors.Is(err, apperr.ErrImmutableRecord):
		JSONError(w, apperr.ErrImmutableRecord.Error(), http.StatusMethodNotAllowed)
		return
	case errors.Is(err, apperr.ErrNotFound):
		JSONError(w, apperr.ErrNotFound.Error(), http.StatusNotFound)
		return
	case middleware.IsTooLarge(err):
		JSONError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	for _, c := range conflictCodes {
		if errors.Is(err, c.err) {
			JSONConflict(w, c.code, c.err.Error())
			return
		}
	}

	reqID := chimw.GetReqID(r.Context())
	var rf *apperr.RunFailure
	if errors.As(err, &rf) {
		slog.Error("run failed", "request_id", reqID, "job", rf.Job, "run_id", rf.RunID, "error", rf.Err)
		out := map[string]any{"error": ErrMessageInternal}
		if rf.RunID > 0 {
			out["run_id"] = rf.RunID
		}
		writeJSON(w, http.StatusInternalServerError, out)
		return
	}
	slog.Error("request failed", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "error", err)
	JSONError(w, ErrMessageInternal, http.StatusInternalServerError)
}
