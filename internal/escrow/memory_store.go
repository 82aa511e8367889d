package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrDuplicate
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Escrow) error) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = expectedVersion + 1
	m.escrows[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, q ListQuery) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !strings.EqualFold(e.AddressFor(q.Role), q.Addr) {
			continue
		}
		if q.PendingOnly && !q.awaits(e) {
			continue
		}
		if !before(e, q.After) {
			continue
		}
		result = append(result, e.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStalePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.PayoutPending && e.PayoutStartedAt != nil && e.PayoutStartedAt.Before(cutoff) {
			result = append(result, e.Clone())
		}
	}

	// Oldest intent first, matching SQLStore.
	sort.Slice(result, func(i, j int) bool {
		if result[i].PayoutStartedAt.Equal(*result[j].PayoutStartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].PayoutStartedAt.Before(*result[j].PayoutStartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
