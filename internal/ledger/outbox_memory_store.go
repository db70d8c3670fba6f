package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryOutboxStore is an in-memory OutboxStore for development and tests.
// Entries do not survive a restart.
type MemoryOutboxStore struct {
	mu      sync.RWMutex
	entries map[string]*OutboxEntry
	now     func() time.Time
}

// NewMemoryOutboxStore creates an empty store.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{
		entries: make(map[string]*OutboxEntry),
		now:     time.Now,
	}
}

func (m *MemoryOutboxStore) Enqueue(_ context.Context, entry *OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.Snapshot.Metadata = copyMeta(entry.Snapshot.Metadata)
	m.entries[entry.ID] = &cp
	return nil
}

func (m *MemoryOutboxStore) Get(_ context.Context, id string) (*OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryOutboxStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*OutboxEntry
	for _, e := range m.entries {
		if e.State == OutboxPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*OutboxEntry, 0, len(due))
	for _, e := range due {
		e.NextAttemptAt = now.Add(lease)
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryOutboxStore) MarkRecorded(_ context.Context, id, hash string) error {
	return m.update(id, func(e *OutboxEntry) {
		e.State = OutboxRecorded
		e.Attempts++
		e.LedgerHash = hash
		e.LastError = ""
	})
}

func (m *MemoryOutboxStore) MarkRetry(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return m.update(id, func(e *OutboxEntry) {
		e.Attempts = attempts
		e.NextAttemptAt = next
		e.LastError = lastErr
	})
}

func (m *MemoryOutboxStore) MarkDead(_ context.Context, id string, attempts int, lastErr string) error {
	return m.update(id, func(e *OutboxEntry) {
		e.State = OutboxDead
		e.Attempts = attempts
		e.LastError = lastErr
	})
}

func (m *MemoryOutboxStore) CountByState(_ context.Context) (map[OutboxState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[OutboxState]int{OutboxPending: 0, OutboxRecorded: 0, OutboxDead: 0}
	for _, e := range m.entries {
		counts[e.State]++
	}
	return counts, nil
}

func (m *MemoryOutboxStore) update(id string, fn func(*OutboxEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	fn(e)
	e.UpdatedAt = m.now()
	return nil
}

func copyMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ OutboxStore = (*MemoryOutboxStore)(nil)
