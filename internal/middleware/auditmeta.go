package middleware

import (
	"net"
	"net/http"

	"github.com/crucial707/hours-reconcile/internal/audit"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// AuditMeta copies client address, user agent, method, path and request id
// into the context for audit rows. Run it after chi's RealIP and RequestID.
func AuditMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := audit.WithMeta(r.Context(), audit.Meta{
			IP:        ip,
			UserAgent: r.UserAgent(),
			Method:    r.Method,
			Path:      r.URL.Path,
			RequestID: chimw.GetReqID(r.Context()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
