package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/guardrail/internal/syncutil"
)

// MemoryStore is an in-memory Store for demo mode and tests. Each scope is
// guarded by its own lock; readers see immutable snapshots.
type MemoryStore struct {
	locks    *syncutil.KeyedMutex
	accounts sync.Map // scope -> *Account (never mutated after publish)
	entries  sync.Map // scope -> []*Entry (copy on append)
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: syncutil.NewKeyedMutex()}
}

func (m *MemoryStore) GetAccount(_ context.Context, scopeKey string) (*Account, error) {
	v, ok := m.accounts.Load(scopeKey)
	if !ok {
		return nil, ErrScopeNotFound
	}
	return v.(*Account).Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *Account, entry *Entry) error {
	unlock, err := m.locks.LockContext(ctx, next.ScopeKey)
	if err != nil {
		return err
	}
	defer unlock()

	var current int64
	if v, ok := m.accounts.Load(next.ScopeKey); ok {
		current = v.(*Account).Version
	}
	if current != expectedVersion {
		return ErrLedgerConflict
	}

	next.Version = expectedVersion + 1
	m.accounts.Store(next.ScopeKey, next.Clone())

	if entry != nil {
		var log []*Entry
		if v, ok := m.entries.Load(next.ScopeKey); ok {
			log = v.([]*Entry)
		}
		e := *entry
		appended := make([]*Entry, len(log), len(log)+1)
		copy(appended, log)
		m.entries.Store(next.ScopeKey, append(appended, &e))
	}
	return nil
}

func (m *MemoryStore) ListAccounts(_ context.Context, tenantID string) ([]*Account, error) {
	var out []*Account
	m.accounts.Range(func(_, v any) bool {
		acct := v.(*Account)
		if tenantID == "" || acct.TenantID == tenantID {
			out = append(out, acct.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeKey < out[j].ScopeKey })
	return out, nil
}

// ListEntries returns the newest entries first.
func (m *MemoryStore) ListEntries(_ context.Context, scopeKey string, limit int) ([]*Entry, error) {
	v, ok := m.entries.Load(scopeKey)
	if !ok {
		return []*Entry{}, nil
	}
	log := v.([]*Entry)
	out := make([]*Entry, 0, min(limit, len(log)))
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		e := *log[i]
		out = append(out, &e)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
