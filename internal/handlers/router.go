package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/crucial707/hours-reconcile/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps is everything the HTTP surface needs.
type Deps struct {
	DB        Pinger
	JWTSecret []byte
	HSTS      bool
	// MaxBodyBytes defaults to middleware.DefaultMaxBodyBytes.
	MaxBodyBytes int64

	SourceA     LedgerService
	SourceB     LedgerService
	Conflicts   ConflictService
	Runs        RunService
	Audit       *AuditHandler
	TriggerRate int // per minute and caller; 0 disables the limit
}

// NewRouter builds the full API. /health, /ready and /metrics are public;
// everything under /v1 requires a bearer token.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AuditMeta)
	r.Use(middleware.RequestLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(d.HSTS))
	r.Use(middleware.Prometheus)
	r.Use(middleware.MaxBytes(d.MaxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.DB.PingContext(ctx); err != nil {
			JSONError(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())

	runs := &ReconciliationHandler{Service: d.Runs}
	if d.TriggerRate > 0 {
		runs.TriggerLimit = middleware.TriggerRateLimiter(d.TriggerRate).Middleware
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(d.JWTSecret))
		r.Mount("/project-reports", (&LedgerHandler{Service: d.SourceA}).Routes())
		r.Mount("/department-reports", (&LedgerHandler{Service: d.SourceB}).Routes())
		r.Mount("/conflicts", (&ConflictHandler{Service: d.Conflicts}).Routes())
		r.Mount("/reconciliations", runs.Routes())
		r.Get("/audit-logs", d.Audit.List)
	})
	return r
}
