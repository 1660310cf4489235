package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"agentbridge-backend/internal/auth"
)

const window = time.Minute

// Counter is the fixed-window counter behind the limits.
type Counter interface {
	IncrWithTTL(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter rejects callers that exceed a per-minute budget. Counter failures
// let the request through.
type Limiter struct {
	counter Counter
	logger  *slog.Logger
}

func NewLimiter(counter Counter, logger *slog.Logger) *Limiter {
	return &Limiter{counter: counter, logger: logger.With("component", "ratelimit")}
}

// PerIP limits requests per client address under the given name.
func (l *Limiter) PerIP(name string, limit int) func(http.Handler) http.Handler {
	return l.limit(name, limit, func(r *http.Request) string { return clientIP(r) })
}

// PerUser limits authenticated requests per user id. It must run after the
// auth middleware.
func (l *Limiter) PerUser(name string, limit int) func(http.Handler) http.Handler {
	return l.limit(name, limit, func(r *http.Request) string {
		if userID, ok := auth.UserIDFromContext(r.Context()); ok {
			return userID
		}
		return clientIP(r)
	})
}

func (l *Limiter) limit(name string, limit int, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			key := "rl:" + name + ":" + keyFn(r)
			count, err := l.counter.IncrWithTTL(r.Context(), key, window)
			if err != nil {
				l.logger.Warn("rate limit counter unavailable", "limit", name, "error", err)
			} else if count > int64(limit) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
