package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// KeyedRateLimiter keeps one token bucket per caller. Authenticated callers
// are keyed by actor id, everyone else by client IP.
type KeyedRateLimiter struct {
	buckets map[string]*rate.Limiter
	mu      sync.RWMutex
	limit   rate.Limit
	burst   int
}

// NewKeyedRateLimiter creates a limiter. limit is events per second; for N per
// minute use rate.Limit(float64(N)/60.0). burst is max tokens per bucket.
func NewKeyedRateLimiter(limit rate.Limit, burst int) *KeyedRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedRateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

// TriggerRateLimiter allows perMinute manual reconciliation triggers per caller.
func TriggerRateLimiter(perMinute int) *KeyedRateLimiter {
	if perMinute <= 0 {
		perMinute = 6
	}
	return NewKeyedRateLimiter(rate.Limit(float64(perMinute)/60.0), 1+perMinute/3)
}

func (l *KeyedRateLimiter) limiter(k string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.buckets[k]
	l.mu.RUnlock()
	if ok {
		return lim
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.buckets[k]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.limit, l.burst)
	l.buckets[k] = lim
	return lim
}

// clientIP strips the port from RemoteAddr. chi's RealIP has already applied
// X-Forwarded-For / X-Real-IP when the router trusts them.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func callerKey(r *http.Request) string {
	if a, ok := ActorFrom(r.Context()); ok {
		return "actor:" + strconv.FormatInt(a.ID, 10)
	}
	return "ip:" + clientIP(r)
}

// Middleware returns 429 once the caller's bucket is empty.
func (l *KeyedRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter(callerKey(r)).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
