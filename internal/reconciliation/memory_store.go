package reconciliation

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory exception store for demo mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	exceptions map[string]*Exception
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{exceptions: make(map[string]*Exception)}
}

func (m *MemoryStore) Upsert(_ context.Context, e *Exception) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clone(e)
	if prev, ok := m.exceptions[e.DecisionID]; ok {
		cp.CreatedAt = prev.CreatedAt
		e.CreatedAt = prev.CreatedAt
	}
	m.exceptions[e.DecisionID] = cp
	return nil
}

func (m *MemoryStore) RecordSignal(_ context.Context, e *Exception) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clone(e)
	if prev, ok := m.exceptions[e.DecisionID]; ok {
		if !prev.OpenSignal() {
			return false, nil
		}
		cp.CreatedAt = prev.CreatedAt
		e.CreatedAt = prev.CreatedAt
	}
	m.exceptions[e.DecisionID] = cp
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, decisionID string) (*Exception, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exceptions[decisionID]
	if !ok {
		return nil, ErrExceptionNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Exception, error) {
	m.mu.RLock()
	var out []*Exception
	for _, e := range m.exceptions {
		if e.TenantID != f.TenantID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
			continue
		}
		if f.Cursor != nil && !olderThan(e, f.Cursor.CreatedAt, f.Cursor.DecisionID) {
			continue
		}
		out = append(out, clone(e))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return olderThan(out[j], out[i].CreatedAt, out[i].DecisionID)
	})
	if f.Limit > 0 && len(out) > f.Limit+1 {
		out = out[:f.Limit+1]
	}
	return out, nil
}

// olderThan orders by (CreatedAt, DecisionID) descending.
func olderThan(e *Exception, createdAt time.Time, id string) bool {
	if !e.CreatedAt.Equal(createdAt) {
		return e.CreatedAt.Before(createdAt)
	}
	return e.DecisionID < id
}

func clone(e *Exception) *Exception {
	cp := *e
	if e.ActualDeltaAmount != nil {
		v := *e.ActualDeltaAmount
		cp.ActualDeltaAmount = &v
	}
	if e.DriftAmount != nil {
		v := *e.DriftAmount
		cp.DriftAmount = &v
	}
	if e.ReconciledAt != nil {
		t := *e.ReconciledAt
		cp.ReconciledAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
