package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcc-server/internal/domain"
	"lcc-server/policy"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func requestAs(c domain.Caller, remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	return req.WithContext(domain.WithCaller(req.Context(), c))
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limits: policy.NewStore(), Burst: 2})
	h := limitedHandler(rl)
	anon := domain.AnonymousCaller("")

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestAs(anon, "10.0.0.1:1234"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestAs(anon, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.InDelta(t, float64(429), body["code"], 0.001)
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimiter_PerClientIsolation(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limits: policy.NewStore(), Burst: 1})
	h := limitedHandler(rl)
	anon := domain.AnonymousCaller("")
	user := domain.Caller{UserID: 10, Role: domain.RoleAuthenticated}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, requestAs(anon, "10.0.0.1:1"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Different address, same anonymous role.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, requestAs(anon, "10.0.0.2:1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Authenticated users are keyed by id, not address.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, requestAs(user, "10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, requestAs(user, "10.0.0.9:1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiter_UnlimitedRole(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limits: policy.NewStore(), Burst: 1})
	h := limitedHandler(rl)
	admin := domain.Caller{UserID: domain.SuperuserID, Role: domain.RoleSuperuser}

	for range 20 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, requestAs(admin, "10.0.0.1:1"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiter_SweepDropsIdleClients(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Limits: policy.NewStore(), Burst: 1, IdleTTL: time.Minute})
	h := limitedHandler(rl)
	h.ServeHTTP(httptest.NewRecorder(), requestAs(domain.AnonymousCaller(""), "10.0.0.1:1"))
	require.Len(t, rl.clients, 1)

	rl.sweep(time.Now())
	assert.Len(t, rl.clients, 1)
	rl.sweep(time.Now().Add(2 * time.Minute))
	assert.Empty(t, rl.clients)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "192.0.2.1", clientIP(req))
}
