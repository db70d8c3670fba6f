package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/eazepay/transaction-service/internal/circuitbreaker"
	"github.com/eazepay/transaction-service/internal/failpolicy"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *Request {
	return &Request{
		TransactionID: "unknown",
		Amount:        500,
		Currency:      "KES",
		FromAccount:   "A1",
		ToAccount:     "A2",
		Timestamp:     "2026-10-14T09:00:00Z",
	}
}

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func assertSafeFallback(t *testing.T, d *Decision, action Action) {
	t.Helper()
	require.NotNil(t, d)
	assert.True(t, d.Fallback)
	assert.False(t, d.IsFraud)
	assert.Equal(t, 0.0, d.FraudProbability)
	assert.Equal(t, 0.0, d.RiskScore)
	assert.Equal(t, RiskLevelUnknown, d.RiskLevel)
	assert.Equal(t, action, d.RecommendedAction)
}

func counterValue(t *testing.T, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := fraudChecksTotal.GetMetricWithLabelValues(label)
	require.NoError(t, err)
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

func TestCheckFraud_MapsResponse(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/fraud/detect", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"transaction_id": "unknown",
			"is_fraud": true,
			"fraud_probability": 0.91,
			"risk_score": 87.5,
			"risk_level": "HIGH",
			"recommended_action": "BLOCK"
		}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	d := c.CheckFraud(context.Background(), testRequest())

	assert.Equal(t, *testRequest(), got)
	assert.False(t, d.Fallback)
	assert.True(t, d.IsFraud)
	assert.Equal(t, 0.91, d.FraudProbability)
	assert.Equal(t, 87.5, d.RiskScore)
	assert.Equal(t, "HIGH", d.RiskLevel)
	assert.Equal(t, ActionBlock, d.RecommendedAction)
	assert.True(t, d.ShouldBlock())
}

func TestCheckFraud_PartialBodyDefaultsToZero(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"is_fraud": false, "recommended_action": "APPROVE"}`)

	d := NewClient(Config{BaseURL: srv.URL}).CheckFraud(context.Background(), testRequest())

	assert.False(t, d.Fallback)
	assert.True(t, d.ShouldApprove())
	assert.Equal(t, "unknown", d.TransactionID)
	assert.Equal(t, 0.0, d.FraudProbability)
}

func TestCheckFraud_NeverFails(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name string
		url  string
		cfg  Config
	}{
		{"server error", jsonServer(t, http.StatusInternalServerError, `{"detail":"model not loaded"}`).URL, Config{}},
		{"client error", jsonServer(t, http.StatusUnprocessableEntity, `{}`).URL, Config{}},
		{"not json", jsonServer(t, http.StatusOK, `<html>oops</html>`).URL, Config{}},
		{"missing action", jsonServer(t, http.StatusOK, `{"is_fraud": false}`).URL, Config{}},
		{"wrong types", jsonServer(t, http.StatusOK, `{"is_fraud": "no", "recommended_action": "APPROVE"}`).URL, Config{}},
		{"timeout", slow.URL, Config{Timeout: 50 * time.Millisecond}},
		{"connection refused", closedURL, Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.BaseURL = tt.url
			d := NewClient(cfg).CheckFraud(context.Background(), testRequest())
			assertSafeFallback(t, d, ActionReview)
			assert.Equal(t, "unknown", d.TransactionID)
		})
	}
}

func TestCheckFraud_FallbackFollowsPolicy(t *testing.T) {
	srv := jsonServer(t, http.StatusServiceUnavailable, ``)

	tests := []struct {
		policy failpolicy.Mode
		want   Action
	}{
		{failpolicy.FailReview, ActionReview},
		{failpolicy.FailOpen, ActionApprove},
		{failpolicy.FailClosed, ActionBlock},
		{"", ActionReview},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			c := NewClient(Config{BaseURL: srv.URL, FailurePolicy: tt.policy})
			assertSafeFallback(t, c.CheckFraud(context.Background(), testRequest()), tt.want)
		})
	}
}

func TestCheckFraud_OpenCircuitSkipsCall(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{Threshold: 2, OpenDuration: time.Hour})
	c := NewClient(Config{BaseURL: srv.URL}, WithBreaker(breaker))

	for i := 0; i < 5; i++ {
		assertSafeFallback(t, c.CheckFraud(context.Background(), testRequest()), ActionReview)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("fraud"))
}

func TestCheckFraud_CountsResults(t *testing.T) {
	ok := jsonServer(t, http.StatusOK, `{"recommended_action": "REVIEW"}`)
	bad := jsonServer(t, http.StatusInternalServerError, ``)

	scored, fallback := counterValue(t, "scored"), counterValue(t, "fallback")

	NewClient(Config{BaseURL: ok.URL}).CheckFraud(context.Background(), testRequest())
	NewClient(Config{BaseURL: bad.URL}).CheckFraud(context.Background(), testRequest())

	assert.Equal(t, scored+1, counterValue(t, "scored"))
	assert.Equal(t, fallback+1, counterValue(t, "fallback"))
}

func TestCheckFraudAsync_DeliversResult(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"recommended_action": "APPROVE"}`)
	c := NewClient(Config{BaseURL: srv.URL})

	results := make(chan *Decision, 1)
	c.CheckFraudAsync(context.Background(), testRequest(), CallbackFuncs{
		Result: func(d *Decision) { results <- d },
		Error:  func(err error) { t.Errorf("unexpected error: %v", err) },
	})

	select {
	case d := <-results:
		assert.Equal(t, ActionApprove, d.RecommendedAction)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestCheckFraudAsync_DeliversFallback(t *testing.T) {
	srv := jsonServer(t, http.StatusInternalServerError, ``)
	c := NewClient(Config{BaseURL: srv.URL})

	results := make(chan *Decision, 1)
	c.CheckFraudAsync(context.Background(), testRequest(), CallbackFuncs{
		Result: func(d *Decision) { results <- d },
	})

	select {
	case d := <-results:
		assertSafeFallback(t, d, ActionReview)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestCheckFraudAsync_PanicGoesToOnError(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"recommended_action": "APPROVE"}`)
	c := NewClient(Config{BaseURL: srv.URL})

	errs := make(chan error, 1)
	c.CheckFraudAsync(context.Background(), testRequest(), CallbackFuncs{
		Result: func(d *Decision) { panic("consumer exploded") },
		Error:  func(err error) { errs <- err },
	})

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "consumer exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not invoked")
	}
}

func TestFallbackReason(t *testing.T) {
	assert.Equal(t, "circuit_open", fallbackReason(circuitbreaker.ErrOpen))
	assert.Equal(t, "timeout", fallbackReason(context.DeadlineExceeded))
	assert.Equal(t, "status", fallbackReason(errUnexpectedStatus))
	assert.Equal(t, "malformed", fallbackReason(errMalformedBody))
	assert.Equal(t, "transport", fallbackReason(errors.New("dial tcp: refused")))
}

func TestDecision_NilSafe(t *testing.T) {
	var d *Decision
	assert.False(t, d.ShouldBlock())
	assert.False(t, d.ShouldReview())
	assert.False(t, d.ShouldApprove())
}
