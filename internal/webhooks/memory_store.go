package webhooks

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps subscriptions in memory. It returns copies, so callers
// never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if strings.EqualFold(sub.Owner, owner) {
			out = append(out, clone(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id, msg string, disableAfter int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if disableAfter > 0 && sub.ConsecutiveFailures >= disableAfter {
		sub.Active = false
	}
	return !sub.Active, nil
}

func clone(s *Subscription) *Subscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}
