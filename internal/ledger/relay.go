package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eazepay/transaction-service/internal/circuitbreaker"
	"github.com/eazepay/transaction-service/internal/logging"
	"github.com/eazepay/transaction-service/internal/retry"
	"github.com/eazepay/transaction-service/internal/traces"
)

const claimLease = time.Minute

// Recorder performs one synchronous ledger write.
type Recorder interface {
	RecordTransaction(ctx context.Context, snap *Snapshot) (string, error)
}

// DeadFunc is called once for every entry the relay gives up on.
type DeadFunc func(ctx context.Context, entry *OutboxEntry)

// Relay drains the outbox into the ledger.
type Relay struct {
	queue    *Queue
	store    OutboxStore
	recorder Recorder
	cfg      RelayConfig
	logger   *slog.Logger
	onDead   DeadFunc
	now      func() time.Time
	stop     chan struct{}
}

// NewRelay creates a relay delivering entries from queue through recorder.
func NewRelay(queue *Queue, recorder Recorder, cfg RelayConfig, logger *slog.Logger) *Relay {
	return &Relay{
		queue:    queue,
		store:    queue.Store(),
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
		stop:     make(chan struct{}, 1),
	}
}

// OnDead registers the callback for abandoned entries. Call before Start.
func (r *Relay) OnDead(fn DeadFunc) { r.onDead = fn }

// Start runs the delivery loop until ctx is done or Stop is called.
// Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("ledger relay started", "interval", r.cfg.Interval, "max_attempts", r.cfg.MaxAttempts)
	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.queue.wake():
			r.RunOnce(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

// RunOnce delivers every entry due now and returns how many it handled.
func (r *Relay) RunOnce(ctx context.Context) int {
	handled := 0
	for {
		if ctx.Err() != nil {
			return handled
		}
		entries, err := r.store.ClaimDue(ctx, r.now(), r.cfg.BatchSize, claimLease)
		if err != nil {
			r.logger.Warn("failed to claim outbox entries", "error", err)
			return handled
		}
		for _, e := range entries {
			r.deliver(ctx, e)
		}
		handled += len(entries)
		if len(entries) < r.cfg.BatchSize {
			break
		}
	}
	r.refreshGauge(ctx)
	return handled
}

func (r *Relay) deliver(ctx context.Context, e *OutboxEntry) {
	ctx, span := traces.StartSpan(ctx, "ledger.relay.deliver",
		traces.TransactionID(e.TransactionID),
		traces.OutboxEntryID(e.ID),
	)
	defer span.End()

	hash, err := r.recorder.RecordTransaction(ctx, &e.Snapshot)
	if err == nil {
		if mErr := r.store.MarkRecorded(ctx, e.ID, hash); mErr != nil {
			r.logger.Error("failed to mark outbox entry recorded", "outbox_id", e.ID, "error", mErr)
		}
		return
	}

	traces.RecordError(span, err)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		r.postpone(ctx, e, err)
		return
	}
	attempts := e.Attempts + 1
	if retry.IsPermanent(err) || attempts >= r.cfg.MaxAttempts {
		if mErr := r.store.MarkDead(ctx, e.ID, attempts, err.Error()); mErr != nil {
			r.logger.Error("failed to mark outbox entry dead", "outbox_id", e.ID, "error", mErr)
			return
		}
		outboxDeadTotal.Inc()
		r.logger.Error("ledger write abandoned",
			"outbox_id", e.ID,
			"transaction_id", e.TransactionID,
			"attempts", attempts,
			"error", err,
		)
		if r.onDead != nil {
			e.State = OutboxDead
			e.Attempts = attempts
			e.LastError = err.Error()
			r.notifyDead(ctx, e)
		}
		return
	}

	next := r.now().Add(retry.Backoff(attempts, r.cfg.BaseDelay, r.cfg.MaxDelay))
	if mErr := r.store.MarkRetry(ctx, e.ID, attempts, next, err.Error()); mErr != nil {
		r.logger.Error("failed to reschedule outbox entry", "outbox_id", e.ID, "error", mErr)
		return
	}
	r.logger.Warn("ledger write will be retried",
		"outbox_id", e.ID,
		"transaction_id", e.TransactionID,
		"attempts", attempts,
		"next_attempt_at", next,
	)
}

// postpone reschedules e past the breaker's open window without spending
// an attempt.
func (r *Relay) postpone(ctx context.Context, e *OutboxEntry, err error) {
	next := r.now().Add(r.cfg.CircuitOpenDelay)
	if mErr := r.store.MarkRetry(ctx, e.ID, e.Attempts, next, err.Error()); mErr != nil {
		r.logger.Error("failed to reschedule outbox entry", "outbox_id", e.ID, "error", mErr)
		return
	}
	outboxPostponedTotal.Inc()
	r.logger.Warn("ledger circuit open, write postponed",
		"outbox_id", e.ID,
		"transaction_id", e.TransactionID,
		"attempts", e.Attempts,
		"next_attempt_at", next,
	)
}

func (r *Relay) notifyDead(ctx context.Context, e *OutboxEntry) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("dead-entry callback panicked", "outbox_id", e.ID, "panic", p)
		}
	}()
	r.onDead(ctx, e)
}

func (r *Relay) refreshGauge(ctx context.Context) {
	counts, err := r.store.CountByState(ctx)
	if err != nil {
		return
	}
	for state, n := range counts {
		outboxEntries.WithLabelValues(string(state)).Set(float64(n))
	}
}
