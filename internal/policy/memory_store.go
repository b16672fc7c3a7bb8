package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // by tenant
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

func (m *MemoryStore) Get(_ context.Context, tenantID string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[tenantID]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.policies[p.TenantID]; ok {
		p.Version = existing.Version + 1
		p.CreatedAt = existing.CreatedAt
	} else {
		p.Version = 1
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.policies[p.TenantID] = p.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[tenantID]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, tenantID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TenantID < result[j].TenantID })
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
