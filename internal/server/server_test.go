package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stream254/throttle/internal/audit"
	"github.com/stream254/throttle/internal/config"
	"github.com/stream254/throttle/internal/repository"
	"github.com/stream254/throttle/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*Server
	db *storage.Database
	mr *miniredis.Miniredis
}

func newTestServer(t *testing.T, withRedis bool) *testServer {
	t.Helper()

	t.Setenv("STREAM254_AUTH_JWT_SECRET", testSecret)
	t.Setenv("STREAM254_POLICIES_GLOBAL_IP_MAX_REQUESTS", "5")
	cfg, err := config.Load("")
	require.NoError(t, err)

	db, err := storage.NewMemoryDatabase()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ts := &testServer{db: db}
	var deps Deps
	if withRedis {
		ts.mr = miniredis.RunT(t)
		client, err := storage.NewRedis(ts.mr.Addr(), "", 0)
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		deps.Redis = client
	}

	srv, err := New(cfg, db, deps, zap.NewNop())
	require.NoError(t, err)
	ts.Server = srv

	return ts
}

func (ts *testServer) request(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.GetRouter().ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T, role string) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops-1",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.request(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])

	// Losing Redis degrades but does not fail the service
	ts.mr.Close()
	w = ts.request(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
}

func TestOTPFlowUsesRedisFastPath(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.request(http.MethodPost, "/auth/otp", `{"email":"viewer@example.com"}`, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.True(t, ts.mr.Exists("ratelimit:fixed:otp:login:viewer@example.com"))
	assert.True(t, ts.mr.Exists("ratelimit:fixed:ip:192.0.2.1"))
}

func TestFallsBackWhenRedisIsDown(t *testing.T) {
	ts := newTestServer(t, true)
	ts.mr.Close()

	w := ts.request(http.MethodPost, "/newsletter/subscribe", `{"email":"fan@example.com"}`, "")
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, ts.sink.Close(context.Background()))
	count, err := repository.NewAuditLogRepository(ts.db).CountByEventType(context.Background(), audit.EventRateLimitFallback)
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestGlobalPerIPLimit(t *testing.T) {
	ts := newTestServer(t, false)

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"email":"fan%d@example.com"}`, i)
		w := ts.request(http.MethodPost, "/newsletter/subscribe", body, "")
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := ts.request(http.MethodPost, "/newsletter/subscribe", `{"email":"late@example.com"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = ts.request(http.MethodPost, "/auth/otp", `{"email":"late@example.com"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHealthIsNotThrottled(t *testing.T) {
	ts := newTestServer(t, false)

	for i := 0; i < 10; i++ {
		w := ts.request(http.MethodGet, "/health", "", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	w := ts.request(http.MethodGet, "/admin/status", "", adminToken(t, "admin"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.request(http.MethodGet, "/admin/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.request(http.MethodGet, "/admin/status", "", adminToken(t, "member"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.request(http.MethodGet, "/admin/status", "", adminToken(t, "admin"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "fixed_window", resp["algorithm"])
	assert.Equal(t, false, resp["fast_path"])

	w = ts.request(http.MethodPost, "/admin/cleanup", "", adminToken(t, "admin"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestShutdownFlushesAudit(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.request(http.MethodPost, "/newsletter/subscribe", `{"email":"fan@example.com"}`, "")
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, ts.Shutdown(context.Background()))

	count, err := repository.NewAuditLogRepository(ts.db).CountByEventType(context.Background(), audit.EventNewsletterSubscribe)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
