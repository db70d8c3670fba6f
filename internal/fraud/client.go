package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eazepay/transaction-service/internal/circuitbreaker"
	"github.com/eazepay/transaction-service/internal/failpolicy"
	"github.com/eazepay/transaction-service/internal/logging"
	"github.com/eazepay/transaction-service/internal/traces"
)

var (
	errUnexpectedStatus = errors.New("fraud: unexpected status")
	errMalformedBody    = errors.New("fraud: malformed response")
)

// detectResponse mirrors the collaborator's JSON. Pointer fields distinguish
// absent values from zero values.
type detectResponse struct {
	TransactionID     string   `json:"transaction_id"`
	IsFraud           *bool    `json:"is_fraud"`
	FraudProbability  *float64 `json:"fraud_probability"`
	RiskScore         *float64 `json:"risk_score"`
	RiskLevel         string   `json:"risk_level"`
	RecommendedAction string   `json:"recommended_action"`
}

// Client calls the fraud-scoring collaborator over HTTP.
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

// WithBreaker sets the circuit breaker shared with other collaborators.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a fraud client. Zero Config fields take package defaults.
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

// Policy returns the failure policy in effect.
func (c *Client) Policy() failpolicy.Mode { return c.cfg.FailurePolicy }

// CheckFraud scores req. It never returns nil and never fails: any problem
// talking to the collaborator yields the policy fallback.
func (c *Client) CheckFraud(ctx context.Context, req *Request) *Decision {
	ctx, span := traces.StartSpan(ctx, "fraud.CheckFraud", traces.TransactionID(req.TransactionID))
	defer span.End()

	start := time.Now()
	var decision *Decision
	err := c.breaker.Call(breakerKey, func() error {
		var callErr error
		decision, callErr = c.detect(ctx, req)
		return callErr
	})
	fraudCheckDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		fraudChecksTotal.WithLabelValues("fallback").Inc()
		fraudFallbacksTotal.WithLabelValues(fallbackReason(err)).Inc()
		traces.RecordError(span, err)
		logging.L(ctx).Error("fraud check failed, using fallback",
			"transaction_id", req.TransactionID,
			"policy", c.cfg.FailurePolicy,
			"error", err,
		)
		decision = Fallback(c.cfg.FailurePolicy, req.TransactionID)
	} else {
		fraudChecksTotal.WithLabelValues("scored").Inc()
		verdict := "LEGITIMATE"
		if decision.IsFraud {
			verdict = "FRAUD"
		}
		logging.L(ctx).Info("fraud check completed",
			"transaction_id", decision.TransactionID,
			"verdict", verdict,
			"probability", decision.FraudProbability,
			"action", decision.RecommendedAction,
		)
	}

	span.SetAttributes(
		traces.FraudAction(string(decision.RecommendedAction)),
		traces.FraudFallback(decision.Fallback),
	)
	return decision
}

// CheckFraudAsync runs CheckFraud on its own goroutine and reports through cb.
// A panic during the check or inside OnResult is delivered to OnError.
// Concurrent calls complete in no particular order.
func (c *Client) CheckFraudAsync(ctx context.Context, req *Request, cb Callback) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("fraud: async check panicked: %v", r)
				c.logger.Error("async fraud check failed", "transaction_id", req.TransactionID, "error", err)
				cb.OnError(err)
			}
		}()
		cb.OnResult(c.CheckFraud(ctx, req))
	}()
}

func (c *Client) detect(ctx context.Context, req *Request) (*Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("fraud: marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + detectPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fraud: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if reqID := logging.RequestID(ctx); reqID != "" {
		httpReq.Header.Set("X-Request-ID", reqID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fraud: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", errUnexpectedStatus, resp.StatusCode)
	}

	var parsed detectResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if parsed.RecommendedAction == "" {
		return nil, fmt.Errorf("%w: missing recommended_action", errMalformedBody)
	}

	d := &Decision{
		TransactionID:     parsed.TransactionID,
		RiskLevel:         parsed.RiskLevel,
		RecommendedAction: Action(parsed.RecommendedAction),
	}
	if d.TransactionID == "" {
		d.TransactionID = req.TransactionID
	}
	if parsed.IsFraud != nil {
		d.IsFraud = *parsed.IsFraud
	}
	if parsed.FraudProbability != nil {
		d.FraudProbability = *parsed.FraudProbability
	}
	if parsed.RiskScore != nil {
		d.RiskScore = *parsed.RiskScore
	}
	return d, nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return "timeout"
	case errors.Is(err, errUnexpectedStatus):
		return "status"
	case errors.Is(err, errMalformedBody):
		return "malformed"
	default:
		return "transport"
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

var _ Checker = (*Client)(nil)
