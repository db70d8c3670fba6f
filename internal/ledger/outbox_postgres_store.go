package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `id, transaction_id, snapshot, state, attempts, next_attempt_at,
	COALESCE(last_error, ''), COALESCE(ledger_hash, ''), created_at, updated_at`

// PostgresOutboxStore implements OutboxStore on the ledger_outbox table.
type PostgresOutboxStore struct {
	db *sql.DB
}

// NewPostgresOutboxStore creates a PostgreSQL-backed outbox store.
func NewPostgresOutboxStore(db *sql.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresOutboxStore) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	return insertEntry(ctx, p.db, entry)
}

// EnqueueTx inserts entry as part of tx.
func (p *PostgresOutboxStore) EnqueueTx(ctx context.Context, tx *sql.Tx, entry *OutboxEntry) error {
	return insertEntry(ctx, tx, entry)
}

func insertEntry(ctx context.Context, db execer, entry *OutboxEntry) error {
	snap, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO ledger_outbox (id, transaction_id, snapshot, state, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.TransactionID, snap, string(entry.State), entry.Attempts,
		entry.NextAttemptAt, entry.CreatedAt, entry.UpdatedAt)
	return err
}

func (p *PostgresOutboxStore) Get(ctx context.Context, id string) (*OutboxEntry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM ledger_outbox WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresOutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*OutboxEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE ledger_outbox SET next_attempt_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM ledger_outbox
			WHERE state = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresOutboxStore) MarkRecorded(ctx context.Context, id, hash string) error {
	return p.exec(ctx, `
		UPDATE ledger_outbox
		SET state = 'recorded', attempts = attempts + 1, ledger_hash = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, hash)
}

func (p *PostgresOutboxStore) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return p.exec(ctx, `
		UPDATE ledger_outbox
		SET attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, next, lastErr)
}

func (p *PostgresOutboxStore) MarkDead(ctx context.Context, id string, attempts int, lastErr string) error {
	return p.exec(ctx, `
		UPDATE ledger_outbox
		SET state = 'dead', attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, lastErr)
}

func (p *PostgresOutboxStore) CountByState(ctx context.Context) (map[OutboxState]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM ledger_outbox GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[OutboxState]int{OutboxPending: 0, OutboxRecorded: 0, OutboxDead: 0}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[OutboxState(state)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresOutboxStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*OutboxEntry, error) {
	e := &OutboxEntry{}
	var snap []byte
	var state string
	if err := s.Scan(&e.ID, &e.TransactionID, &snap, &state, &e.Attempts, &e.NextAttemptAt,
		&e.LastError, &e.LedgerHash, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.State = OutboxState(state)
	if err := json.Unmarshal(snap, &e.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", e.ID, err)
	}
	return e, nil
}

var (
	_ OutboxStore = (*PostgresOutboxStore)(nil)
	_ TxEnqueuer  = (*PostgresOutboxStore)(nil)
)
