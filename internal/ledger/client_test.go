package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eazepay/transaction-service/internal/circuitbreaker"
	"github.com/eazepay/transaction-service/internal/failpolicy"
	"github.com/eazepay/transaction-service/internal/retry"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(id string) *Snapshot {
	return &Snapshot{
		ID:          id,
		Type:        "TRANSFER",
		Amount:      250.5,
		Currency:    "KES",
		FromAccount: "A1",
		ToAccount:   "A2",
		Timestamp:   "2026-10-14T09:00:00Z",
		Status:      "PENDING",
		Metadata:    NewMetadata("rent", "INV-7"),
	}
}

func ledgerServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})
}

func recordsValue(t *testing.T, result string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := ledgerRecordsTotal.GetMetricWithLabelValues(result)
	require.NoError(t, err)
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})
	assert.Equal(t, DefaultBaseURL, c.cfg.BaseURL)
	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Equal(t, failpolicy.FailOpen, c.Policy())
}

func TestRecordTransaction_Success(t *testing.T) {
	var got map[string]any
	c := ledgerServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/blockchain/transactions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success": true, "transactionHash": "0xabc"}`))
	})

	before := recordsValue(t, "recorded")
	hash, err := c.RecordTransaction(context.Background(), testSnapshot("42"))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
	assert.Equal(t, before+1, recordsValue(t, "recorded"))

	assert.Equal(t, "42", got["id"])
	assert.Equal(t, "TRANSFER", got["type"])
	assert.Equal(t, 250.5, got["amount"])
	assert.Equal(t, "A1", got["fromAccount"])
	assert.Equal(t, "A2", got["toAccount"])
	assert.Equal(t, "PENDING", got["status"])
	assert.Equal(t, map[string]any{"description": "rent", "reference": "INV-7"}, got["metadata"])
}

func TestRecordTransaction_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"server error", http.StatusInternalServerError, `{}`, false},
		{"throttled", http.StatusTooManyRequests, `{}`, false},
		{"rejected", http.StatusBadRequest, `{"error":"bad snapshot"}`, true},
		{"missing hash", http.StatusOK, `{"success": true}`, false},
		{"not json", http.StatusOK, `nope`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ledgerServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			hash, err := c.RecordTransaction(context.Background(), testSnapshot("1"))
			require.Error(t, err)
			assert.Empty(t, hash)
			assert.True(t, errors.Is(err, ErrRecordFailed))
			assert.Equal(t, tt.permanent, retry.IsPermanent(err))
		})
	}
}

func TestRecordTransaction_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.RecordTransaction(context.Background(), testSnapshot("1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordFailed)
	assert.False(t, retry.IsPermanent(err))
}

func TestRecordTransaction_BreakerOpens(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{Threshold: 2, OpenDuration: time.Hour})
	c := NewClient(Config{BaseURL: srv.URL}, WithBreaker(breaker))

	for i := 0; i < 4; i++ {
		_, err := c.RecordTransaction(context.Background(), testSnapshot("1"))
		require.Error(t, err)
	}
	_, err := c.RecordTransaction(context.Background(), testSnapshot("1"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, ErrRecordFailed)
	assert.Equal(t, 2, hits)
}

func TestRecordTransaction_RejectionDoesNotTripBreaker(t *testing.T) {
	c := ledgerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	breaker := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, OpenDuration: time.Hour})
	c.breaker = breaker

	for i := 0; i < 3; i++ {
		_, err := c.RecordTransaction(context.Background(), testSnapshot("1"))
		assert.True(t, retry.IsPermanent(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("ledger"))
}

func TestVerifyTransaction(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		c := ledgerServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/blockchain/verify/42", r.URL.Path)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "0xabc", body["expectedHash"])
			_, _ = w.Write([]byte(`{"success": true, "isValid": true}`))
		})
		assert.True(t, c.VerifyTransaction(context.Background(), "42", "0xabc"))
	})

	cases := map[string]http.HandlerFunc{
		"mismatch": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success": true, "isValid": false}`))
		},
		"missing field": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success": true}`))
		},
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			c := ledgerServer(t, h)
			assert.False(t, c.VerifyTransaction(context.Background(), "42", "0xabc"))
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := NewClient(Config{BaseURL: srv.URL})
		assert.False(t, c.VerifyTransaction(context.Background(), "42", "0xabc"))
	})
}

func TestGetTransaction(t *testing.T) {
	c := ledgerServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/api/blockchain/transactions/42":
			_, _ = w.Write([]byte(`{"success": true, "transaction": {"id": "42", "hash": "0xabc"}}`))
		case "/api/blockchain/transactions/empty":
			_, _ = w.Write([]byte(`{"success": true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	rec, ok := c.GetTransaction(context.Background(), "42")
	require.True(t, ok)
	assert.Equal(t, "0xabc", rec["hash"])

	_, ok = c.GetTransaction(context.Background(), "missing")
	assert.False(t, ok)

	_, ok = c.GetTransaction(context.Background(), "empty")
	assert.False(t, ok)
}
