// Package ledger talks to the immutable-ledger collaborator.
//
// Client performs the synchronous calls (record, verify, lookup). Queue and
// Relay implement the asynchronous record path: a write is first persisted
// in an outbox, then delivered by the relay with retries. A write that keeps
// failing ends up dead and is reported to the owner of the transaction.
package ledger

import (
	"errors"
	"time"

	"github.com/eazepay/transaction-service/internal/circuitbreaker"
	"github.com/eazepay/transaction-service/internal/failpolicy"
)

var (
	ErrRecordFailed  = errors.New("ledger: record failed")
	ErrEntryNotFound = errors.New("ledger: outbox entry not found")
	ErrNoTxEnqueue   = errors.New("ledger: outbox store cannot join a SQL transaction")
)

const (
	DefaultBaseURL       = "http://blockchain-service:8020"
	DefaultTimeout       = 10 * time.Second
	DefaultPolicy        = failpolicy.FailOpen
	DefaultRelayInterval = 5 * time.Second
	DefaultMaxAttempts   = 8
	DefaultBaseDelay     = 2 * time.Second
	DefaultMaxDelay      = 5 * time.Minute

	recordPath   = "/api/blockchain/transactions"
	verifyPath   = "/api/blockchain/verify/"
	breakerKey   = "ledger"
	maxBodySize  = 1 << 20
	metaDesc     = "description"
	metaRef      = "reference"
	entryPrefix  = "lob_"
	defaultBatch = 50
)

// Snapshot is the ledger's view of a persisted transaction.
type Snapshot struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	FromAccount string         `json:"fromAccount"`
	ToAccount   string         `json:"toAccount"`
	Timestamp   string         `json:"timestamp"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata"`
}

// NewMetadata builds the metadata map carried by every snapshot.
func NewMetadata(description, reference string) map[string]any {
	return map[string]any{
		metaDesc: description,
		metaRef:  reference,
	}
}

// Record is a transaction as stored by the ledger collaborator.
type Record map[string]any

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// FailurePolicy decides what happens to a transaction whose ledger write
	// is abandoned. The ledger package only carries it; the transaction
	// owner acts on it.
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

// RelayConfig configures a Relay.
type RelayConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BatchSize   int
	// CircuitOpenDelay postpones an entry whose write hit an open circuit.
	// Such attempts are not counted against MaxAttempts.
	CircuitOpenDelay time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultRelayInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatch
	}
	if c.CircuitOpenDelay <= 0 {
		c.CircuitOpenDelay = circuitbreaker.DefaultOpenDuration
	}
	return c
}
