package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eazepay/transaction-service/internal/config"
	"github.com/eazepay/transaction-service/internal/failpolicy"
	"github.com/eazepay/transaction-service/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// collaborators fakes the fraud and ledger services.
type collaborators struct {
	fraud, ledger *httptest.Server
	action        string
	ledgerStatus  int
	ledgerCalls   atomic.Int32
}

func newCollaborators(t *testing.T, action string, ledgerStatus int) *collaborators {
	t.Helper()
	c := &collaborators{action: action, ledgerStatus: ledgerStatus}

	c.fraud = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"transaction_id":"unknown","is_fraud":false,"fraud_probability":0.1,`+
			`"risk_score":10,"risk_level":"LOW","recommended_action":"`+c.action+`"}`)
	}))
	t.Cleanup(c.fraud.Close)

	c.ledger = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.ledgerCalls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(c.ledgerStatus)
		if c.ledgerStatus < 300 {
			_, _ = io.WriteString(w, `{"success":true,"transactionHash":"0xabc123"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":false,"message":"rejected"}`)
	}))
	t.Cleanup(c.ledger.Close)
	return c
}

// testConfig returns a minimal in-memory config pointing at the fakes
func testConfig(c *collaborators) *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		FraudServiceURL:     c.fraud.URL,
		FraudTimeout:        2 * time.Second,
		FraudFailurePolicy:  failpolicy.FailReview,
		LedgerServiceURL:    c.ledger.URL,
		LedgerTimeout:       2 * time.Second,
		LedgerFailurePolicy: failpolicy.FailOpen,
		LedgerRelayInterval: time.Hour,
		LedgerMaxAttempts:   3,
		DefaultCurrency:     "KES",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, WithLogger(logging.Discard()), WithVersion("test"), WithDrainDelay(0))
	require.NoError(t, err)
	return s
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func createdStatus(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decode(t, w)["transaction"].(map[string]any)
	return tx["status"].(string)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	w := serve(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "transaction-service", resp["service"])
	assert.Equal(t, "test", resp["version"])
	assert.NotEmpty(t, resp["timestamp"])

	checks := resp["checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, "ledger_outbox", checks[0].(map[string]any)["name"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	w := serve(s, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	s.healthy.Store(false)
	w = serve(s, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	// Not ready until Run is called
	w := serve(s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = serve(s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	w := serve(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `eazepay_build_info{store="memory",version="test"} 1`)
}

func TestInfoAndNotFound(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	w := serve(s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "transaction-service", decode(t, w)["name"])

	w = serve(s, http.MethodGet, "/v2/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	w := serve(s, http.MethodGet, "/health/live", "")
	generated := w.Header().Get("X-Request-ID")
	assert.Len(t, generated, 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "gw-42")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "gw-42", rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	w := serve(s, http.MethodGet, "/health/live", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestRequestTooLarge(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	body := `{"description":"` + strings.Repeat("x", 2<<20) + `"}`
	w := serve(s, http.MethodPost, "/v1/transactions", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRateLimitGuardsAPIOnly(t *testing.T) {
	cfg := testConfig(newCollaborators(t, "APPROVE", http.StatusOK))
	cfg.RateLimitRPM = 60
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/v1/transactions", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(s, http.MethodGet, "/v1/transactions", "").Code)

	// Probes stay outside the limiter
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health/live", "").Code)
}

// ---------------------------------------------------------------------------
// End-to-end flow tests
// ---------------------------------------------------------------------------

func TestCreateTransactionRecordsThroughRelay(t *testing.T) {
	collab := newCollaborators(t, "APPROVE", http.StatusOK)
	s := newTestServer(t, testConfig(collab))

	w := serve(s, http.MethodPost, "/v1/transactions",
		`{"amount":"250.00","fromAccount":"ACC-1","toAccount":"ACC-2","reference":"INV-9"}`)
	assert.Equal(t, "PENDING", createdStatus(t, w))

	// Creation only enqueues; the relay performs the write
	assert.Equal(t, int32(0), collab.ledgerCalls.Load())
	assert.Equal(t, 1, s.relay.RunOnce(context.Background()))
	assert.Equal(t, int32(1), collab.ledgerCalls.Load())

	w = serve(s, http.MethodGet, "/v1/transactions/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", decode(t, w)["transaction"].(map[string]any)["status"])
}

func TestBlockedTransactionSkipsLedger(t *testing.T) {
	collab := newCollaborators(t, "BLOCK", http.StatusOK)
	s := newTestServer(t, testConfig(collab))

	w := serve(s, http.MethodPost, "/v1/transactions", `{"amount":99999}`)
	assert.Equal(t, "BLOCKED", createdStatus(t, w))

	assert.Equal(t, 0, s.relay.RunOnce(context.Background()))
	assert.Equal(t, int32(0), collab.ledgerCalls.Load())
}

func TestFraudOutageFallsBackToReview(t *testing.T) {
	collab := newCollaborators(t, "APPROVE", http.StatusOK)
	cfg := testConfig(collab)
	collab.fraud.Close()

	s := newTestServer(t, cfg)
	w := serve(s, http.MethodPost, "/v1/transactions", `{"amount":10}`)
	assert.Equal(t, "PENDING_REVIEW", createdStatus(t, w))
}

func TestLedgerRejectionAppliesFailurePolicy(t *testing.T) {
	collab := newCollaborators(t, "APPROVE", http.StatusBadRequest)
	cfg := testConfig(collab)
	cfg.LedgerFailurePolicy = failpolicy.FailReview
	s := newTestServer(t, cfg)

	w := serve(s, http.MethodPost, "/v1/transactions", `{"amount":10}`)
	assert.Equal(t, "PENDING", createdStatus(t, w))

	// A 4xx rejection is permanent: the entry dies on the first attempt
	s.relay.RunOnce(context.Background())

	w = serve(s, http.MethodGet, "/v1/transactions/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING_REVIEW", decode(t, w)["transaction"].(map[string]any)["status"])

	w = serve(s, http.MethodGet, "/health", "")
	checks := decode(t, w)["checks"].([]any)
	assert.Equal(t, "pending=0 dead=1", checks[0].(map[string]any)["detail"])
}

// ---------------------------------------------------------------------------
// Lifecycle and helpers
// ---------------------------------------------------------------------------

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t, testConfig(newCollaborators(t, "APPROVE", http.StatusOK)))
	assert.NoError(t, s.Shutdown())
}

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://eaze:s3cret@db:5432/txns?sslmode=disable", "postgres://eaze:%2A%2A%2A@db:5432/txns?sslmode=disable"},
		{"postgres://db:5432/txns", "postgres://db:5432/txns"},
		{"postgres://eaze@db/txns", "postgres://eaze@db/txns"},
		{"://bad", "***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskDSN(tt.in), tt.in)
	}
}
