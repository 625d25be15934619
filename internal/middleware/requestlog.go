package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// responseWriter wraps http.ResponseWriter to capture status and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// RequestLog logs one line per request. Server errors log at error level and
// denials at warn. The actor id is included once Authenticate has run; the
// actor is read after the handler returns, so that works from an outer router.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		holder := &actorHolder{}
		next.ServeHTTP(wrap, r.WithContext(withActorHolder(r.Context(), holder)))

		attrs := []any{
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrap.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"size", wrap.size,
		}
		if holder.id != 0 {
			attrs = append(attrs, "actor_id", holder.id)
		}
		switch {
		case wrap.status >= 500:
			slog.Error("request", attrs...)
		case wrap.status == http.StatusForbidden || wrap.status == http.StatusUnauthorized:
			slog.Warn("request", attrs...)
		default:
			slog.Info("request", attrs...)
		}
	})
}
