// Package fraud is the client for the fraud-scoring collaborator.
//
// The client always produces a Decision. Transport failures, timeouts,
// non-2xx answers and malformed bodies are absorbed into a fallback decision
// chosen by the configured failpolicy.Mode, so callers never see an error.
package fraud

import (
	"context"
	"time"

	"github.com/eazepay/transaction-service/internal/failpolicy"
)

// Action is the recommended action returned by the fraud collaborator.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionReview  Action = "REVIEW"
	ActionBlock   Action = "BLOCK"
)

// RiskLevelUnknown is reported on fallback decisions.
const RiskLevelUnknown = "UNKNOWN"

const (
	DefaultBaseURL = "http://ai-ml-service:8010"
	DefaultTimeout = 5 * time.Second
	DefaultPolicy  = failpolicy.FailReview

	detectPath  = "/api/fraud/detect"
	breakerKey  = "fraud"
	maxBodySize = 1 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// FailurePolicy selects the fallback action when the collaborator
	// cannot produce a usable answer.
	FailurePolicy failpolicy.Mode
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	c.FailurePolicy = c.FailurePolicy.OrDefault(DefaultPolicy)
	return c
}

// Request is the scoring request sent to the collaborator.
type Request struct {
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	FromAccount   string  `json:"from_account"`
	ToAccount     string  `json:"to_account"`
	Timestamp     string  `json:"timestamp"`
	UserID        string  `json:"user_id,omitempty"`
}

// Decision is the normalized scoring result.
type Decision struct {
	TransactionID     string  `json:"transactionId"`
	IsFraud           bool    `json:"isFraud"`
	FraudProbability  float64 `json:"fraudProbability"`
	RiskScore         float64 `json:"riskScore"`
	RiskLevel         string  `json:"riskLevel"`
	RecommendedAction Action  `json:"recommendedAction"`
	// Fallback is true when the decision was synthesized locally.
	Fallback bool `json:"fallback"`
}

func (d *Decision) ShouldBlock() bool   { return d != nil && d.RecommendedAction == ActionBlock }
func (d *Decision) ShouldReview() bool  { return d != nil && d.RecommendedAction == ActionReview }
func (d *Decision) ShouldApprove() bool { return d != nil && d.RecommendedAction == ActionApprove }

// Fallback builds the decision used when the collaborator is unavailable.
// Only the recommended action depends on the policy.
func Fallback(policy failpolicy.Mode, transactionID string) *Decision {
	action := ActionReview
	switch policy {
	case failpolicy.FailOpen:
		action = ActionApprove
	case failpolicy.FailClosed:
		action = ActionBlock
	}
	return &Decision{
		TransactionID:     transactionID,
		IsFraud:           false,
		FraudProbability:  0.0,
		RiskScore:         0.0,
		RiskLevel:         RiskLevelUnknown,
		RecommendedAction: action,
		Fallback:          true,
	}
}

// Callback receives the outcome of CheckFraudAsync.
type Callback interface {
	OnResult(d *Decision)
	OnError(err error)
}

// CallbackFuncs adapts two functions to Callback. Nil members are skipped.
type CallbackFuncs struct {
	Result func(d *Decision)
	Error  func(err error)
}

func (c CallbackFuncs) OnResult(d *Decision) {
	if c.Result != nil {
		c.Result(d)
	}
}

func (c CallbackFuncs) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

// Checker is the synchronous contract consumed by the orchestrator.
type Checker interface {
	CheckFraud(ctx context.Context, req *Request) *Decision
}
