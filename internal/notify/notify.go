// Package notify delivers engine events to the outside world.
//
// Blocked and escalated decisions, reconciliation drift and expired
// reservations are pushed to tenant webhook subscriptions (HMAC-SHA256
// signed JSON) and to the realtime operator feed. Delivery never blocks
// the engine: the Emitter queues events and workers drain the queue.
package notify

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

// Event types a subscription may ask for.
const (
	EventDecisionBlocked        = "decision.blocked"
	EventDecisionEscalated      = "decision.escalated"
	EventReconciliationOverage  = "reconciliation.overage"
	EventReconciliationShortage = "reconciliation.shortage"
	EventReservationExpired     = "reservation.expired"
)

// EventTypes lists every deliverable event type.
var EventTypes = []string{
	EventDecisionBlocked,
	EventDecisionEscalated,
	EventReconciliationOverage,
	EventReconciliationShortage,
	EventReservationExpired,
}

// ValidEventType reports whether t is a known event type.
func ValidEventType(t string) bool {
	return slices.Contains(EventTypes, t)
}

// ErrSubscriptionNotFound is returned for unknown or foreign subscription IDs.
var ErrSubscriptionNotFound = errors.New("notify: subscription not found")

// Event is the JSON body POSTed to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TenantID  string    `json:"tenantId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription is a tenant's webhook endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Subscribes reports whether s wants events of type t.
func (s *Subscription) Subscribes(t string) bool {
	return s.Active && slices.Contains(s.Events, t)
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

// Store persists subscriptions. Every lookup is tenant scoped.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, tenantID, id string) (*Subscription, error)
	List(ctx context.Context, tenantID string) ([]*Subscription, error)
	// ListForEvent returns the tenant's active subscriptions to eventType.
	ListForEvent(ctx context.Context, tenantID, eventType string) ([]*Subscription, error)
	// RecordDelivery stores the outcome of a delivery attempt. An empty
	// errMsg is a success and resets the failure streak.
	RecordDelivery(ctx context.Context, id string, at time.Time, errMsg string) error
	Delete(ctx context.Context, tenantID, id string) error
}

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok || sub.TenantID != tenantID {
		return nil, ErrSubscriptionNotFound
	}
	return sub.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.TenantID == tenantID }), nil
}

func (m *MemoryStore) ListForEvent(_ context.Context, tenantID, eventType string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool {
		return s.TenantID == tenantID && s.Subscribes(eventType)
	}), nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	applyDelivery(sub, at, errMsg)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.TenantID != tenantID {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

// MaxConsecutiveFailures deactivates a subscription after that many
// failed deliveries in a row.
const MaxConsecutiveFailures = 50

func applyDelivery(sub *Subscription, at time.Time, errMsg string) {
	if errMsg == "" {
		t := at
		sub.LastSuccess = &t
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return
	}
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
	}
}
