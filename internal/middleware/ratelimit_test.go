package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agentbridge-backend/internal/auth"
	"agentbridge-backend/internal/logging"
)

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (m *memCounter) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.counts == nil {
		m.counts = map[string]int64{}
	}
	m.counts[key]++
	return m.counts[key], nil
}

var noContent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

func do(ctx context.Context, h http.Handler, remote string) int {
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil).WithContext(ctx)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestPerIP(t *testing.T) {
	counter := &memCounter{}
	h := NewLimiter(counter, logging.Discard()).PerIP("login", 2)(noContent)
	ctx := context.Background()

	assert.Equal(t, http.StatusNoContent, do(ctx, h, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, do(ctx, h, "10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do(ctx, h, "10.0.0.1:1002"))
	assert.Equal(t, http.StatusNoContent, do(ctx, h, "10.0.0.2:1000"))
	assert.Equal(t, int64(3), counter.counts["rl:login:10.0.0.1"])
}

func TestPerUser(t *testing.T) {
	counter := &memCounter{}
	h := NewLimiter(counter, logging.Discard()).PerUser("tunnel-token", 1)(noContent)

	alice := auth.WithUserID(context.Background(), "user-a")
	bob := auth.WithUserID(context.Background(), "user-b")
	assert.Equal(t, http.StatusNoContent, do(alice, h, "10.0.0.1:1"))
	assert.Equal(t, http.StatusTooManyRequests, do(alice, h, "10.0.0.1:1"))
	assert.Equal(t, http.StatusNoContent, do(bob, h, "10.0.0.1:1"))
}

func TestLimiterFailsOpen(t *testing.T) {
	counter := &memCounter{err: errors.New("redis down")}
	h := NewLimiter(counter, logging.Discard()).PerIP("login", 1)(noContent)
	for range 3 {
		assert.Equal(t, http.StatusNoContent, do(context.Background(), h, "10.0.0.1:1"))
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}
