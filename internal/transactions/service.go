package transactions

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/eazepay/transaction-service/internal/failpolicy"
	"github.com/eazepay/transaction-service/internal/fraud"
	"github.com/eazepay/transaction-service/internal/ledger"
	"github.com/eazepay/transaction-service/internal/logging"
	"github.com/eazepay/transaction-service/internal/traces"
	"github.com/shopspring/decimal"
)

// FraudChecker scores a transaction before it is persisted.
type FraudChecker interface {
	CheckFraud(ctx context.Context, req *fraud.Request) *fraud.Decision
}

// LedgerRecorder schedules a ledger write without blocking.
type LedgerRecorder interface {
	RecordTransactionAsync(ctx context.Context, snap *ledger.Snapshot)
}

// LedgerReader reads back what the ledger stored.
type LedgerReader interface {
	VerifyTransaction(ctx context.Context, id, expectedHash string) bool
	GetTransaction(ctx context.Context, id string) (ledger.Record, bool)
}

// Service orchestrates transaction creation.
type Service struct {
	store    Store
	checker  FraudChecker
	recorder LedgerRecorder
	reader   LedgerReader
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a transaction service.
func NewService(store Store, checker FraudChecker, recorder LedgerRecorder, reader LedgerReader, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		checker:  checker,
		recorder: recorder,
		reader:   reader,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
	}
}

// CreateTransaction screens, persists and submits a transaction to the
// ledger. Only a store failure or an invalid amount is returned as an
// error; collaborator failures shape the status instead.
func (s *Service) CreateTransaction(ctx context.Context, d Draft) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.CreateTransaction")
	defer span.End()

	tx := s.fromDraft(d)
	if tx.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if !tx.Amount.Round(AmountScale).Equal(tx.Amount) {
		return nil, ErrAmountPrecision
	}

	decision := s.checkFraud(ctx, tx, d.UserID)
	switch {
	case decision.ShouldBlock():
		tx.Status = StatusBlocked
		tx.Description = BlockedDescription
	case decision.ShouldReview():
		tx.Status = StatusPendingReview
	default:
		tx.Status = StatusPending
	}

	saved, queued, err := s.insert(ctx, tx)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("transactions: insert: %w", err)
	}
	id := strconv.FormatInt(saved.ID, 10)
	span.SetAttributes(traces.TransactionID(id), traces.Status(string(saved.Status)), traces.Amount(saved.Amount.String()))
	transactionsCreatedTotal.WithLabelValues(string(saved.Status)).Inc()

	logging.L(ctx).Info("transaction created",
		"transaction_id", saved.ID,
		"status", saved.Status,
		"amount", saved.Amount.String(),
		"fraud_action", actionOf(decision),
		"fraud_fallback", decision != nil && decision.Fallback,
		"ledger_queued", queued,
	)

	if saved.Status != StatusBlocked && !queued {
		s.submitToLedger(ctx, saved)
	}
	return saved, nil
}

// insert stores tx, together with its ledger outbox entry when the store
// supports it. It reports whether the entry was queued.
func (s *Service) insert(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	if qs, ok := s.store.(QueuingStore); ok && tx.Status != StatusBlocked {
		return qs.InsertQueued(ctx, tx, s.SnapshotOf)
	}
	saved, err := s.store.Insert(ctx, tx)
	return saved, false, err
}

func (s *Service) fromDraft(d Draft) *Transaction {
	amount := decimal.Zero
	if d.Amount != nil {
		amount = *d.Amount
	}
	txType := d.Type
	if txType == "" {
		txType = DefaultType
	}
	return &Transaction{
		Amount:      amount,
		FromAccount: d.FromAccount,
		ToAccount:   d.ToAccount,
		Type:        txType,
		Currency:    s.cfg.DefaultCurrency,
		Description: d.Description,
		Reference:   d.Reference,
	}
}

func (s *Service) checkFraud(ctx context.Context, tx *Transaction, userID string) *fraud.Decision {
	if s.checker == nil {
		return nil
	}
	return s.checker.CheckFraud(ctx, &fraud.Request{
		TransactionID: unscoredID,
		Amount:        tx.Amount.InexactFloat64(),
		Currency:      tx.Currency,
		FromAccount:   tx.FromAccount,
		ToAccount:     tx.ToAccount,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
		UserID:        userID,
	})
}

// submitToLedger never fails the caller: the transaction is already durable.
// The enqueue outlives the request so a disconnecting client cannot drop it.
func (s *Service) submitToLedger(ctx context.Context, tx *Transaction) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("failed to queue transaction for ledger",
				"transaction_id", tx.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if s.recorder == nil {
		return
	}
	s.recorder.RecordTransactionAsync(ctx, s.SnapshotOf(tx))
}

// SnapshotOf builds the ledger projection of tx.
func (s *Service) SnapshotOf(tx *Transaction) *ledger.Snapshot {
	status := tx.Status
	if status == "" {
		status = StatusPending
	}
	ts := tx.CreatedAt
	if ts.IsZero() {
		ts = s.now()
	}
	return &ledger.Snapshot{
		ID:          strconv.FormatInt(tx.ID, 10),
		Type:        tx.Type,
		Amount:      tx.Amount.InexactFloat64(),
		Currency:    tx.Currency,
		FromAccount: tx.FromAccount,
		ToAccount:   tx.ToAccount,
		Timestamp:   ts.UTC().Format(time.RFC3339),
		Status:      string(status),
		Metadata:    ledger.NewMetadata(tx.Description, tx.Reference),
	}
}

// GetTransaction returns the transaction or ErrTransactionNotFound.
func (s *Service) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListTransactions returns up to limit transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	return s.store.List(ctx, limit)
}

// VerifyTransactionIntegrity reports whether the ledger holds id under
// expectedHash. A missing transaction or any failure reads as false.
func (s *Service) VerifyTransactionIntegrity(ctx context.Context, id int64, expectedHash string) bool {
	ctx, span := traces.StartSpan(ctx, "transactions.VerifyTransactionIntegrity",
		traces.TransactionID(strconv.FormatInt(id, 10)))
	defer span.End()

	if _, err := s.store.Get(ctx, id); err != nil {
		logging.L(ctx).Warn("integrity check on unknown transaction", "transaction_id", id, "error", err)
		return false
	}
	if s.reader == nil {
		return false
	}
	valid := s.reader.VerifyTransaction(ctx, strconv.FormatInt(id, 10), expectedHash)
	integrityChecksTotal.WithLabelValues(strconv.FormatBool(valid)).Inc()
	return valid
}

// LedgerRecord returns what the ledger stored for a known transaction.
// It reports false when the transaction, or its ledger record, is absent.
func (s *Service) LedgerRecord(ctx context.Context, id int64) (ledger.Record, bool, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, false, err
	}
	if s.reader == nil {
		return nil, false, nil
	}
	rec, ok := s.reader.GetTransaction(ctx, strconv.FormatInt(id, 10))
	return rec, ok, nil
}

// HandleDeadLedgerEntry applies the ledger failure policy to the
// transaction behind an abandoned outbox entry. Register it with
// ledger.Relay.OnDead.
func (s *Service) HandleDeadLedgerEntry(ctx context.Context, entry *ledger.OutboxEntry) {
	id, err := strconv.ParseInt(entry.TransactionID, 10, 64)
	if err != nil {
		s.logger.Error("dead ledger entry has a foreign transaction id",
			"outbox_id", entry.ID,
			"transaction_id", entry.TransactionID,
		)
		return
	}
	s.applyLedgerFailure(ctx, id, entry.LastError)
}

func (s *Service) applyLedgerFailure(ctx context.Context, id int64, reason string) {
	var target Status
	switch s.cfg.LedgerFailurePolicy {
	case failpolicy.FailReview:
		target = StatusPendingReview
	case failpolicy.FailClosed:
		target = StatusBlocked
	default:
		s.logger.Warn("transaction not recorded on ledger",
			"transaction_id", id,
			"policy", s.cfg.LedgerFailurePolicy,
			"reason", reason,
		)
		return
	}

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("ledger failure for unknown transaction", "transaction_id", id, "error", err)
		return
	}
	if tx.Status == target || tx.Status == StatusBlocked {
		return
	}

	description := tx.Description
	if target == StatusBlocked {
		description = "Blocked: ledger recording failed"
	}
	if err := s.store.UpdateStatus(ctx, id, target, description); err != nil {
		s.logger.Error("failed to apply ledger failure policy", "transaction_id", id, "error", err)
		return
	}
	ledgerFailuresAppliedTotal.WithLabelValues(string(target)).Inc()
	s.logger.Warn("transaction status changed after ledger failure",
		"transaction_id", id,
		"from", tx.Status,
		"to", target,
		"policy", s.cfg.LedgerFailurePolicy,
		"reason", reason,
	)
}

func actionOf(d *fraud.Decision) string {
	if d == nil {
		return "UNSCORED"
	}
	return string(d.RecommendedAction)
}
