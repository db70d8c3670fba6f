package ledger

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryColumns = []string{
	"id", "transaction_id", "snapshot", "state", "attempts", "next_attempt_at",
	"last_error", "ledger_hash", "created_at", "updated_at",
}

func newMockOutbox(t *testing.T) (*PostgresOutboxStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresOutboxStore(db), mock
}

func TestPostgresOutboxStore_Enqueue(t *testing.T) {
	store, mock := newMockOutbox(t)
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	snap := testSnapshot("42")
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_outbox")).
		WithArgs("lob_1", "42", raw, "pending", 0, now, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Enqueue(context.Background(), &OutboxEntry{
		ID: "lob_1", TransactionID: "42", Snapshot: *snap, State: OutboxPending,
		NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
}

func TestQueue_EnqueueTxJoinsCallerTransaction(t *testing.T) {
	store, mock := newMockOutbox(t)
	q := NewQueue(store, nil)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_outbox")).
		WithArgs(sqlmock.AnyArg(), "42", sqlmock.AnyArg(), "pending", 0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	entry, err := q.EnqueueTx(ctx, tx, testSnapshot("42"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	q.Announce(entry)

	assert.Equal(t, "42", entry.TransactionID)
	assert.Equal(t, OutboxPending, entry.State)
	select {
	case <-q.wake():
	default:
		t.Fatal("Announce should wake the relay")
	}
}

func TestQueue_EnqueueTxNeedsSQLStore(t *testing.T) {
	q := NewQueue(NewMemoryOutboxStore(), nil)
	_, err := q.EnqueueTx(context.Background(), nil, testSnapshot("1"))
	assert.ErrorIs(t, err, ErrNoTxEnqueue)
}

func TestPostgresOutboxStore_ClaimDue(t *testing.T) {
	store, mock := newMockOutbox(t)
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(testSnapshot("42"))
	require.NoError(t, err)

	rows := sqlmock.NewRows(entryColumns).
		AddRow("lob_1", "42", raw, "pending", 2, now.Add(time.Minute), "HTTP 503", "", now, now)
	mock.ExpectQuery(`UPDATE ledger_outbox SET next_attempt_at = \$2(.|\n)*FOR UPDATE SKIP LOCKED`).
		WithArgs(now, now.Add(time.Minute), 10).
		WillReturnRows(rows)

	entries, err := store.ClaimDue(context.Background(), now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "lob_1", e.ID)
	assert.Equal(t, OutboxPending, e.State)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "HTTP 503", e.LastError)
	assert.Equal(t, "KES", e.Snapshot.Currency)
	assert.Equal(t, "rent", e.Snapshot.Metadata["description"])
}

func TestPostgresOutboxStore_Get(t *testing.T) {
	store, mock := newMockOutbox(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_outbox WHERE id = $1")).
		WithArgs("lob_missing").
		WillReturnRows(sqlmock.NewRows(entryColumns))

	_, err := store.Get(context.Background(), "lob_missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestPostgresOutboxStore_Marks(t *testing.T) {
	store, mock := newMockOutbox(t)
	ctx := context.Background()
	next := time.Date(2026, 10, 14, 9, 5, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("SET state = 'recorded'")).
		WithArgs("lob_1", "0xabc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET attempts = $2, next_attempt_at = $3")).
		WithArgs("lob_2", 3, next, "timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'dead'")).
		WithArgs("lob_3", 8, "rejected").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.MarkRecorded(ctx, "lob_1", "0xabc"))
	require.NoError(t, store.MarkRetry(ctx, "lob_2", 3, next, "timeout"))
	assert.ErrorIs(t, store.MarkDead(ctx, "lob_3", 8, "rejected"), ErrEntryNotFound)
}

func TestPostgresOutboxStore_CountByState(t *testing.T) {
	store, mock := newMockOutbox(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, COUNT(*) FROM ledger_outbox GROUP BY state")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("pending", 4).
			AddRow("dead", 1))

	counts, err := store.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[OutboxState]int{OutboxPending: 4, OutboxRecorded: 0, OutboxDead: 1}, counts)
}
