// Package transactions owns the transaction lifecycle: fraud screening,
// persistence, ledger submission and integrity verification.
package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/eazepay/transaction-service/internal/failpolicy"
	"github.com/eazepay/transaction-service/internal/ledger"
	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("transactions: transaction not found")
	ErrInvalidAmount       = errors.New("transactions: amount must not be negative")
	ErrAmountPrecision     = errors.New("transactions: amount has more than 4 decimal places")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusBlocked       Status = "BLOCKED"
)

const (
	DefaultCurrency = "KES"
	DefaultType     = "TRANSFER"

	// BlockedDescription replaces the description of a blocked transaction.
	BlockedDescription = "Blocked by fraud detection: High risk"

	// AmountScale is the number of decimal places an amount is stored with.
	AmountScale = 4

	// unscoredID is sent to the fraud service because the real id only
	// exists after the insert.
	unscoredID = "unknown"
)

// Transaction is a persisted money transfer.
type Transaction struct {
	ID          int64           `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	FromAccount string          `json:"fromAccount"`
	ToAccount   string          `json:"toAccount"`
	Type        string          `json:"type"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Draft is a proposed transaction. Every field is optional.
type Draft struct {
	Amount      *decimal.Decimal
	FromAccount string
	ToAccount   string
	Type        string
	Description string
	Reference   string
	UserID      string
}

// Store persists transactions.
type Store interface {
	// Insert assigns the ID (and CreatedAt when zero) and returns the stored copy.
	Insert(ctx context.Context, tx *Transaction) (*Transaction, error)
	Get(ctx context.Context, id int64) (*Transaction, error)
	// List returns at most limit transactions, newest first.
	List(ctx context.Context, limit int) ([]*Transaction, error)
	UpdateStatus(ctx context.Context, id int64, status Status, description string) error
}

// QueuingStore is a Store that can persist a transaction and its ledger
// outbox entry atomically. InsertQueued reports false when it inserted
// without queueing, leaving the ledger submission to the caller.
type QueuingStore interface {
	Store
	InsertQueued(ctx context.Context, tx *Transaction, snapshot func(*Transaction) *ledger.Snapshot) (*Transaction, bool, error)
}

// Config configures a Service.
type Config struct {
	DefaultCurrency string
	// LedgerFailurePolicy decides what happens to a transaction whose
	// ledger write was abandoned.
	LedgerFailurePolicy failpolicy.Mode
}

func (c Config) withDefaults() Config {
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = DefaultCurrency
	}
	c.LedgerFailurePolicy = c.LedgerFailurePolicy.OrDefault(failpolicy.FailOpen)
	return c
}
