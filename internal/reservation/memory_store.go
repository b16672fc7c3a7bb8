package reservation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory reservation store for demo mode and tests.
type MemoryStore struct {
	reservations map[string]*Reservation
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory reservation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reservations: make(map[string]*Reservation)}
}

func (m *MemoryStore) Create(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[r.DecisionID]; ok {
		return ErrDuplicateDecision
	}
	m.reservations[r.DecisionID] = r.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, decisionID string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[decisionID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, decisionID string, from, to State, at time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, ErrInvalidState
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[decisionID]
	if !ok {
		return false, ErrReservationNotFound
	}
	if r.State != from {
		return false, nil
	}
	cp := r.clone()
	cp.State = to
	cp.UpdatedAt = at
	if to.IsTerminal() {
		cp.ResolvedAt = &at
	}
	m.reservations[decisionID] = cp
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Reservation, error) {
	m.mu.RLock()
	var out []*Reservation
	for _, r := range m.reservations {
		if !f.matches(r) {
			continue
		}
		if f.Cursor != nil && !before(r, f.Cursor.CreatedAt, f.Cursor.DecisionID) {
			continue
		}
		out = append(out, r.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return before(out[j], out[i].CreatedAt, out[i].DecisionID) })
	if f.Limit > 0 && len(out) > f.Limit+1 {
		out = out[:f.Limit+1]
	}
	return out, nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, tenantID string, cutoff time.Time, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	var out []*Reservation
	for _, r := range m.reservations {
		if r.Overdue(cutoff) && (tenantID == "" || r.TenantID == tenantID) {
			out = append(out, r.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].TTLExpiresAt.Equal(out[j].TTLExpiresAt) {
			return out[i].TTLExpiresAt.Before(out[j].TTLExpiresAt)
		}
		return out[i].DecisionID < out[j].DecisionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// before reports whether r sorts after (createdAt, id) when ordering newest first.
func before(r *Reservation, createdAt time.Time, id string) bool {
	if !r.CreatedAt.Equal(createdAt) {
		return r.CreatedAt.Before(createdAt)
	}
	return r.DecisionID < id
}

var _ Store = (*MemoryStore)(nil)
