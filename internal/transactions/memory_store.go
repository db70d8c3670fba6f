package transactions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txs    map[int64]*Transaction
	nextID int64
	mu     sync.RWMutex
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[int64]*Transaction),
		now: time.Now,
	}
}

func (m *MemoryStore) Insert(_ context.Context, tx *Transaction) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	cp := *tx
	cp.ID = m.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.txs[cp.ID] = &cp

	out := cp
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		cp := *tx
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id int64, status Status, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Status = status
	tx.Description = description
	tx.UpdatedAt = m.now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
