package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eazepay/transaction-service/internal/ledger"
)

const txColumns = `id, amount, from_account, to_account, type, currency,
	COALESCE(description, ''), COALESCE(reference, ''), status, created_at, updated_at`

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	queue *ledger.Queue
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
// The schema is owned by the goose migrations in /migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithLedgerQueue makes InsertQueued write the ledger outbox entry in the
// same database transaction as the row. The queue's store must share db.
func (p *PostgresStore) WithLedgerQueue(q *ledger.Queue) *PostgresStore {
	p.queue = q
	return p
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) Insert(ctx context.Context, tx *Transaction) (*Transaction, error) {
	return insertTransaction(ctx, p.db, tx)
}

// InsertQueued inserts tx and its ledger outbox entry atomically. Without a
// ledger queue it is a plain Insert and reports false.
func (p *PostgresStore) InsertQueued(ctx context.Context, tx *Transaction, snapshot func(*Transaction) *ledger.Snapshot) (*Transaction, bool, error) {
	if p.queue == nil {
		saved, err := p.Insert(ctx, tx)
		return saved, false, err
	}

	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	saved, err := insertTransaction(ctx, sqlTx, tx)
	if err != nil {
		return nil, false, err
	}
	entry, err := p.queue.EnqueueTx(ctx, sqlTx, snapshot(saved))
	if err != nil {
		return nil, false, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	p.queue.Announce(entry)
	return saved, true, nil
}

func insertTransaction(ctx context.Context, db queryRower, tx *Transaction) (*Transaction, error) {
	row := db.QueryRowContext(ctx, `
		INSERT INTO transactions (
			amount, from_account, to_account, type, currency,
			description, reference, status, created_at, updated_at
		) VALUES (
			$1::NUMERIC(19,4), $2, $3, $4, $5,
			$6, $7, $8, COALESCE($9::TIMESTAMPTZ, NOW()), COALESCE($9::TIMESTAMPTZ, NOW())
		)
		RETURNING `+txColumns,
		tx.Amount, tx.FromAccount, tx.ToAccount, tx.Type, tx.Currency,
		nullString(tx.Description), nullString(tx.Reference), string(tx.Status), nullTime(tx),
	)
	return scanTransaction(row)
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

// List returns transactions newest first. A limit of zero or less returns
// every row.
func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Transaction, error) {
	// LIMIT NULL is no limit.
	bound := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		ORDER BY id DESC
		LIMIT $1`, bound)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id int64, status Status, description string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = $2, description = $3, updated_at = NOW()
		WHERE id = $1`, id, string(status), nullString(description))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var status string
	if err := s.Scan(
		&tx.ID, &tx.Amount, &tx.FromAccount, &tx.ToAccount, &tx.Type, &tx.Currency,
		&tx.Description, &tx.Reference, &status, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	return tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(tx *Transaction) sql.NullTime {
	return sql.NullTime{Time: tx.CreatedAt, Valid: !tx.CreatedAt.IsZero()}
}

var _ QueuingStore = (*PostgresStore)(nil)
