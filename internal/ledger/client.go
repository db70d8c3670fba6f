package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eazepay/transaction-service/internal/circuitbreaker"
	"github.com/eazepay/transaction-service/internal/failpolicy"
	"github.com/eazepay/transaction-service/internal/logging"
	"github.com/eazepay/transaction-service/internal/retry"
	"github.com/eazepay/transaction-service/internal/traces"
)

type recordResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash"`
}

type verifyResponse struct {
	Success bool  `json:"success"`
	IsValid *bool `json:"isValid"`
}

type lookupResponse struct {
	Success     bool   `json:"success"`
	Transaction Record `json:"transaction"`
}

// Client calls the ledger collaborator over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client (whose timeout is cfg.Timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker sets the circuit breaker guarding record calls.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a ledger client. Zero Config fields take package defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	return c
}

// Policy returns the failure policy for abandoned writes.
func (c *Client) Policy() failpolicy.Mode { return c.cfg.FailurePolicy }

// RecordTransaction writes snap to the ledger and returns its hash.
// Every failure wraps ErrRecordFailed. Rejections by the collaborator (4xx)
// are also marked permanent with retry.Permanent.
func (c *Client) RecordTransaction(ctx context.Context, snap *Snapshot) (string, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.RecordTransaction", traces.TransactionID(snap.ID))
	defer span.End()

	start := time.Now()
	hash, err := c.record(ctx, snap)
	ledgerRecordDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		ledgerRecordsTotal.WithLabelValues(recordResult(err)).Inc()
		traces.RecordError(span, err)
		logging.L(ctx).Warn("ledger record failed", "transaction_id", snap.ID, "error", err)
		return "", err
	}

	ledgerRecordsTotal.WithLabelValues("recorded").Inc()
	logging.L(ctx).Info("transaction recorded on ledger", "transaction_id", snap.ID, "hash", hash)
	return hash, nil
}

func (c *Client) record(ctx context.Context, snap *Snapshot) (string, error) {
	if c.breaker != nil && !c.breaker.Allow(breakerKey) {
		return "", fmt.Errorf("%w: %w", ErrRecordFailed, circuitbreaker.ErrOpen)
	}

	hash, err := c.post(ctx, snap)
	if c.breaker != nil {
		// A rejected snapshot says nothing about the collaborator's health.
		if err != nil && !retry.IsPermanent(err) {
			c.breaker.RecordFailure(breakerKey)
		} else {
			c.breaker.RecordSuccess(breakerKey)
		}
	}
	return hash, err
}

func (c *Client) post(ctx context.Context, snap *Snapshot) (string, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("%w: marshal snapshot: %v", ErrRecordFailed, err))
	}

	resp, err := c.do(ctx, http.MethodPost, recordPath, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecordFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%w: HTTP %d", ErrRecordFailed, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var parsed recordResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrRecordFailed, err)
	}
	if parsed.TransactionHash == "" {
		return "", fmt.Errorf("%w: response carries no transactionHash", ErrRecordFailed)
	}
	return parsed.TransactionHash, nil
}

// VerifyTransaction asks the ledger whether id is stored with expectedHash.
// Any failure reads as false.
func (c *Client) VerifyTransaction(ctx context.Context, id, expectedHash string) bool {
	ctx, span := traces.StartSpan(ctx, "ledger.VerifyTransaction", traces.TransactionID(id))
	defer span.End()

	body, err := json.Marshal(map[string]string{"expectedHash": expectedHash})
	if err != nil {
		return false
	}

	resp, err := c.do(ctx, http.MethodPost, verifyPath+url.PathEscape(id), body)
	if err != nil {
		traces.RecordError(span, err)
		logging.L(ctx).Warn("ledger verify failed", "transaction_id", id, "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.L(ctx).Warn("ledger verify rejected", "transaction_id", id, "status", resp.StatusCode)
		return false
	}

	var parsed verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&parsed); err != nil || parsed.IsValid == nil {
		logging.L(ctx).Warn("ledger verify returned malformed body", "transaction_id", id)
		return false
	}
	return *parsed.IsValid
}

// GetTransaction looks id up on the ledger. It reports false when the
// record is missing or the ledger cannot be reached.
func (c *Client) GetTransaction(ctx context.Context, id string) (Record, bool) {
	resp, err := c.do(ctx, http.MethodGet, recordPath+"/"+url.PathEscape(id), nil)
	if err != nil {
		logging.L(ctx).Warn("ledger lookup failed", "transaction_id", id, "error", err)
		return nil, false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}

	var parsed lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&parsed); err != nil || parsed.Transaction == nil {
		return nil, false
	}
	return parsed.Transaction, true
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if reqID := logging.RequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	return c.http.Do(req)
}

func recordResult(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case retry.IsPermanent(err):
		return "rejected"
	default:
		return "failed"
	}
}
