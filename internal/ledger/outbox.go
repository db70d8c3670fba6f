package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/eazepay/transaction-service/internal/idgen"
	"github.com/eazepay/transaction-service/internal/logging"
	"github.com/eazepay/transaction-service/internal/traces"
)

// OutboxState is the delivery state of an outbox entry.
type OutboxState string

const (
	OutboxPending  OutboxState = "pending"
	OutboxRecorded OutboxState = "recorded"
	OutboxDead     OutboxState = "dead"
)

// OutboxEntry is one ledger write waiting for, or done with, delivery.
type OutboxEntry struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transactionId"`
	Snapshot      Snapshot    `json:"snapshot"`
	State         OutboxState `json:"state"`
	Attempts      int         `json:"attempts"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`
	LastError     string      `json:"lastError,omitempty"`
	LedgerHash    string      `json:"ledgerHash,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// OutboxStore persists outbox entries.
type OutboxStore interface {
	Enqueue(ctx context.Context, entry *OutboxEntry) error
	Get(ctx context.Context, id string) (*OutboxEntry, error)
	// ClaimDue returns up to limit pending entries due at now and pushes
	// their NextAttemptAt to now+lease so concurrent relays skip them.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*OutboxEntry, error)
	MarkRecorded(ctx context.Context, id, hash string) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, attempts int, lastErr string) error
	CountByState(ctx context.Context) (map[OutboxState]int, error)
}

// Queue is the producer side of the outbox.
type Queue struct {
	store  OutboxStore
	notify chan struct{}
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a queue over store.
func NewQueue(store OutboxStore, logger *slog.Logger) *Queue {
	return &Queue{
		store:  store,
		notify: make(chan struct{}, 1),
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
}

// Store returns the underlying outbox store.
func (q *Queue) Store() OutboxStore { return q.store }

// TxEnqueuer stores an entry inside a caller's SQL transaction.
type TxEnqueuer interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, entry *OutboxEntry) error
}

// Enqueue persists a pending entry for snap and wakes the relay.
func (q *Queue) Enqueue(ctx context.Context, snap *Snapshot) (*OutboxEntry, error) {
	entry, err := q.newEntry(snap)
	if err != nil {
		return nil, err
	}
	if err := q.store.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("ledger: enqueue: %w", err)
	}
	q.Announce(entry)
	return entry, nil
}

// EnqueueTx stores a pending entry for snap inside tx, so it commits or
// rolls back with the caller's own writes. Call Announce after a
// successful commit.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, snap *Snapshot) (*OutboxEntry, error) {
	enq, ok := q.store.(TxEnqueuer)
	if !ok {
		return nil, ErrNoTxEnqueue
	}
	entry, err := q.newEntry(snap)
	if err != nil {
		return nil, err
	}
	if err := enq.EnqueueTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("ledger: enqueue: %w", err)
	}
	return entry, nil
}

// Announce counts a committed entry and wakes the relay.
func (q *Queue) Announce(entry *OutboxEntry) {
	outboxEnqueuedTotal.Inc()
	q.logger.Debug("outbox entry committed", "outbox_id", entry.ID, "transaction_id", entry.TransactionID)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) newEntry(snap *Snapshot) (*OutboxEntry, error) {
	if snap == nil {
		return nil, fmt.Errorf("ledger: enqueue: nil snapshot")
	}
	now := q.now()
	return &OutboxEntry{
		ID:            idgen.WithPrefix(entryPrefix),
		TransactionID: snap.ID,
		Snapshot:      *snap,
		State:         OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// RecordTransactionAsync schedules snap for delivery to the ledger and
// returns immediately. Failures are logged, never returned.
func (q *Queue) RecordTransactionAsync(ctx context.Context, snap *Snapshot) {
	ctx, span := traces.StartSpan(ctx, "ledger.RecordTransactionAsync")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("ledger enqueue panicked", "panic", fmt.Sprint(r))
		}
	}()

	entry, err := q.Enqueue(ctx, snap)
	if err != nil {
		traces.RecordError(span, err)
		logging.L(ctx).Error("failed to queue transaction for ledger", "error", err)
		return
	}
	span.SetAttributes(traces.TransactionID(entry.TransactionID), traces.OutboxEntryID(entry.ID))
	logging.L(ctx).Info("transaction queued for ledger recording",
		"transaction_id", entry.TransactionID,
		"outbox_id", entry.ID,
	)
}

// wake returns the channel signalled on every enqueue.
func (q *Queue) wake() <-chan struct{} { return q.notify }
