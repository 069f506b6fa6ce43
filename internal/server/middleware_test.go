package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden3/eden3/internal/auth"
	"github.com/eden3/eden3/internal/ctxutil"
	"github.com/eden3/eden3/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "caller-id", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 500))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, 36, "oversized caller ids are replaced")
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	var admin bool
	h := authMiddleware(jwtMgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin = ClaimsFromContext(r.Context()).IsAdmin()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "anonymous requests pass")
	assert.False(t, admin)

	for _, header := range []string{"Basic abc", "Bearer", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}

	tok, _, err := jwtMgr.IssueAdminToken("ops")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, admin)
}

func TestRequireAdmin_Forbidden(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	tok, _, err := jwtMgr.IssueAdminToken("")
	require.NoError(t, err)
	claims, err := jwtMgr.ValidateToken(tok)
	require.NoError(t, err)
	claims.Role = "viewer"

	req := httptest.NewRequest(http.MethodPost, "/admin/sync", nil)
	req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
	rec := httptest.NewRecorder()
	requireAdmin(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestCORSMiddleware(t *testing.T) {
	h := corsMiddleware([]string{"https://dashboard.eden3.ai"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/agents", nil)
	req.Header.Set("Origin", "https://dashboard.eden3.ai")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://dashboard.eden3.ai", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	corsMiddleware(nil)(okHandler()).ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), "no origins disables CORS")
}

func TestMaxBodyMiddleware(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.MaxRequestBodyBytes = 16 })
	rec := env.do(http.MethodPost, "/webhook", []byte(`{"agentId":"abraham","padding":"xxxxxxxx"}`), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimitedRoutes(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) {
		c.Limiters = Limiters{Auth: ratelimit.NewMemoryLimiter(0.001, 1)}
	})
	first := env.do(http.MethodPost, "/auth/token", []byte(`{"api_key":"x"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, first.Code)

	second := env.do(http.MethodPost, "/auth/token", []byte(`{"api_key":"x"}`), nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	// Other classes are unaffected.
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/agents", nil, nil).Code)
}

func TestRouteClass(t *testing.T) {
	assert.Equal(t, "/v1/agents", routeClass("/v1/agents/abraham/works"))
	assert.Equal(t, "/webhook", routeClass("/webhook"))
	assert.Equal(t, "/", routeClass("/"))
}
