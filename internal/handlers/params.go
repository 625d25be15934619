package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/crucial707/hours-reconcile/internal/middleware"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/go-chi/chi/v5"
)

// page is the parsed page/per_page pair.
type page struct {
	Page    int
	PerPage int
}

func (p page) offset() int { return (p.Page - 1) * p.PerPage }

// pageResponse wraps list results.
type pageResponse struct {
	Data    any `json:"data"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// parsePage reads page (default 1) and per_page (default def, capped at max).
func parsePage(r *http.Request, def, max int) (page, error) {
	p := page{Page: 1, PerPage: def}
	q := r.URL.Query()
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return p, apperr.Invalid("page", "must be a positive integer")
		}
		p.Page = n
	}
	if s := q.Get("per_page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return p, apperr.Invalid("per_page", "must be a positive integer")
		}
		p.PerPage = min(n, max)
	}
	return p, nil
}

func queryDate(r *http.Request, name string) (models.Date, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return models.Date{}, nil
	}
	d, err := models.ParseDate(s)
	if err != nil {
		return models.Date{}, apperr.Invalid(name, "must be a date (YYYY-MM-DD)")
	}
	return d, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := models.ParseDate(s)
	if err != nil {
		return time.Time{}, apperr.Invalid(name, "must be RFC 3339 or YYYY-MM-DD")
	}
	return d.Time, nil
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return nil, apperr.Invalid(name, "must be a positive integer")
	}
	return &n, nil
}

func urlID(r *http.Request, name string) (int64, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || n < 1 {
		return 0, apperr.Invalid(name, "must be a positive integer")
	}
	return n, nil
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case middleware.IsTooLarge(err):
		return err
	}
	return apperr.Invalid("body", "invalid JSON")
}

// actor returns the authenticated caller. Routes are mounted behind
// Authenticate, so a missing actor is a wiring bug and reported as 401.
func actor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	a, ok := middleware.ActorFrom(r.Context())
	if !ok {
		JSONError(w, "unauthorized", http.StatusUnauthorized)
	}
	return a, ok
}
