package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/holdfast/internal/auth"
	"github.com/mbd888/holdfast/internal/config"
	"github.com/mbd888/holdfast/internal/escrow"
)

const (
	buyer  = "BUYERADDR000000000000000000000000000000000000000000000001"
	seller = "SELLERADDR00000000000000000000000000000000000000000000002"

	testSecret = "0123456789abcdef0123456789abcdef"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		StoreDriver:            config.StoreMemory,
		RateLimitRPS:           1000,
		RateLimitBurst:         1000,
		UpdateMaxAttempts:      8,
		UpdateBaseDelay:        time.Millisecond,
		PayoutStaleAfter:       2 * time.Minute,
		ReconcileInterval:      time.Minute,
		LedgerTimeout:          5 * time.Second,
		LedgerBreakerThreshold: 5,
		LedgerBreakerCooldown:  30 * time.Second,
		DevFaucetAmount:        "1000",
	}
}

// newTestServer creates a server over the in-memory store and ledger
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg, WithDrainDelay(0), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func call(t *testing.T, s *Server, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(auth.DevAddressHeader, caller)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	// The reconciler only runs once the server is started.
	w := call(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)
	require.Eventually(t, s.reconcileTimer.Running, time.Second, 5*time.Millisecond)

	w = call(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)

	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"ledger", "reconciler"}, names)
}

func TestHealth_LedgerCircuitOpen(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.LedgerBreakerThreshold = 1 })
	s.breaker.RecordFailure("transfer")

	healthy, statuses := s.health.CheckAll(context.Background())
	assert.False(t, healthy)
	for _, st := range statuses {
		if st.Name == "ledger" {
			assert.False(t, st.Healthy)
			assert.Contains(t, st.Detail, "transfer")
		}
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := call(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)
	require.Eventually(t, s.reconcileTimer.Running, time.Second, 5*time.Millisecond)
	s.ready.Store(true)

	w = call(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestEscrowRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/escrows",
		"GET:/v1/escrows",
		"GET:/v1/escrows/pending",
		"GET:/v1/escrows/:id",
		"POST:/v1/escrows/:id/approve",
		"POST:/v1/escrows/:id/dispute",
		"POST:/v1/escrows/:id/resolve",
		"POST:/v1/escrows/:id/release",
		"POST:/v1/escrows/:id/cancel",
		"GET:/v1/ledger/balance",
		"POST:/v1/ledger/faucet",
		"GET:/v1/auth/info",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestFaucetOnlyInDevelopment(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Env = "staging"
		c.AuthSecret = testSecret
	})
	for _, route := range s.Router().Routes() {
		assert.NotEqual(t, "/v1/ledger/faucet", route.Path)
		assert.NotEqual(t, "/v1/auth/dev-token", route.Path)
	}
}

// ---------------------------------------------------------------------------
// End-to-end escrow flow
// ---------------------------------------------------------------------------

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodPost, "/v1/ledger/faucet", buyer, gin.H{"amount": "10"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, s, http.MethodPost, "/v1/escrows", buyer, gin.H{"seller": seller, "amount": "4000000", "memo": "logo design"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		EscrowID string `json:"escrowId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.EscrowID

	assert.Equal(t, uint64(6_000_000), s.ledger.GetBalance(context.Background(), buyer).Available)
	assert.Equal(t, uint64(4_000_000), s.ledger.GetBalance(context.Background(), buyer).Held)

	for _, who := range []string{buyer, seller} {
		w = call(t, s, http.MethodPost, "/v1/escrows/"+id+"/approve", who, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = call(t, s, http.MethodPost, "/v1/escrows/"+id+"/release", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res escrow.ReleaseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, seller, res.Recipient)
	assert.NotEmpty(t, res.TxHash)

	assert.Equal(t, uint64(4_000_000), s.ledger.GetBalance(context.Background(), seller).Available)
	assert.Zero(t, s.ledger.GetBalance(context.Background(), buyer).Held)
}

func TestWebhooksReceiveEscrowEvents(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodPost, "/v1/webhooks", seller, gin.H{
		"url":    "https://203.0.113.10/hooks/escrow",
		"events": []string{"escrow_created"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"secret":"whsec_`)

	w = call(t, s, http.MethodGet, "/v1/webhooks", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = call(t, s, http.MethodPost, "/v1/webhooks", seller, gin.H{"url": "http://127.0.0.1:9/hook"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "loopback endpoints are rejected")

	w = call(t, s, http.MethodPost, "/v1/ledger/faucet", buyer, gin.H{"amount": "5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(t, s, http.MethodPost, "/v1/escrows", buyer, gin.H{"seller": seller, "amount": "1000000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Workers are not running, so the event waits in the delivery queue.
	require.Len(t, s.webhooks.Queue, 1)
	ev := <-s.webhooks.Queue
	assert.Equal(t, escrow.EventCreated, ev.Type)
	assert.Equal(t, seller, ev.Escrow.Seller)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	w := call(t, s, http.MethodGet, "/v1/admin/payouts/stale", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "admin routes need ADMIN_SECRET")

	const adminSecret = "operator-secret-1234"
	s = newTestServer(t, func(c *config.Config) { c.AdminSecret = adminSecret })

	adminCall := func(method, path, secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if secret != "" {
			req.Header.Set(auth.AdminSecretHeader, secret)
		}
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, adminCall(http.MethodGet, "/v1/admin/payouts/stale", "").Code)
	assert.Equal(t, http.StatusForbidden, adminCall(http.MethodGet, "/v1/admin/payouts/stale", "wrong-secret-000000").Code)

	w = adminCall(http.MethodGet, "/v1/admin/payouts/stale", adminSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = adminCall(http.MethodPost, "/v1/admin/reconcile", adminSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"found":0`)

	w = adminCall(http.MethodPost, "/v1/admin/escrows/esc_missing/resume", adminSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = adminCall(http.MethodGet, "/v1/admin/ledger/holds", adminSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalHeld":"0"`)
}

func TestFaucetLimitFromConfig(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.DevFaucetAmount = "5" })

	w := call(t, s, http.MethodPost, "/v1/ledger/faucet", buyer, gin.H{"amount": "6"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, s, http.MethodPost, "/v1/ledger/faucet", buyer, gin.H{"amount": "5"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSQLiteStore(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.StoreDriver = config.StoreSQLite
		c.SQLitePath = filepath.Join(t.TempDir(), "escrows.db")
	})
	require.NotNil(t, s.db)

	w := call(t, s, http.MethodPost, "/v1/ledger/faucet", buyer, gin.H{"amount": "1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(t, s, http.MethodPost, "/v1/escrows", buyer, gin.H{"seller": seller, "amount": "500000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, s, http.MethodGet, "/v1/escrows?role=seller", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page escrow.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)

	healthy, statuses := s.health.CheckAll(context.Background())
	assert.False(t, healthy, "reconciler is not running")
	for _, st := range statuses {
		if st.Name == "store" {
			assert.True(t, st.Healthy, st.Detail)
		}
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestBearerAuth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Env = "staging"
		c.AuthSecret = testSecret
	})

	// The dev header is ignored once a secret is configured.
	w := call(t, s, http.MethodGet, "/v1/escrows?role=buyer", buyer, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.NewVerifier(testSecret).Issue(buyer, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), buyer)

	req = httptest.NewRequest(http.MethodGet, "/v1/escrows?role=buyer", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestWebSocketRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-1234")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "lb-1234", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "has spaces in it")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.NotEqual(t, "has spaces in it", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	call(t, s, http.MethodGet, "/health/live", "", nil)
	w := call(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "holdfast_http_requests_total")
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := call(t, s, http.MethodGet, "/v1/nonexistent", buyer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Shutdown())

	w := call(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
