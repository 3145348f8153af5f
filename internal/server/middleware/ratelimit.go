package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// RateLimit returns middleware that limits each client IP to limit requests
// per window. Counting happens in the shared domain.RateLimiter when one is
// configured; when it is nil or failing, an in-process token bucket per
// client takes over so the limit still holds on this replica.
func RateLimit(limiter domain.RateLimiter, scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	local := newLocalLimiter(limit, window)
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := extractClientIP(r)

			allowed := false
			var err error
			if limiter != nil {
				allowed, err = limiter.Allow(r.Context(), "ratelimit:"+scope+":"+clientIP, limit, window)
			}
			if limiter == nil || err != nil {
				allowed = local.allow(clientIP)
			}

			if !allowed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// localLimiter keeps one token bucket per client.
type localLimiter struct {
	every rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLocalLimiter(limit int, window time.Duration) *localLimiter {
	if limit <= 0 || window <= 0 {
		return &localLimiter{every: rate.Inf, burst: 1, buckets: map[string]*rate.Limiter{}}
	}
	return &localLimiter{
		every:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		buckets: map[string]*rate.Limiter{},
	}
}

func (l *localLimiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		// Reset once the number of distinct clients passes the cap.
		if len(l.buckets) >= 10_000 {
			l.buckets = map[string]*rate.Limiter{}
		}
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// extractClientIP attempts to determine the real client IP from standard
// proxy headers, falling back to the direct remote address.
func extractClientIP(r *http.Request) string {
	// Check X-Forwarded-For first (may contain multiple IPs).
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}

	// Check X-Real-IP.
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
