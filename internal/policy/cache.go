package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultCacheTTL is how long compiled tenant policies are cached before
// re-fetching.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	compiled  *Compiled
	fetchedAt time.Time
}

// Cache serves compiled policies per tenant, reading through to a Store.
// Tenants without a stored policy get DefaultPolicy.
type Cache struct {
	store      Store
	ttl        time.Duration
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewCache creates a policy cache with the default TTL.
func NewCache(store Store) *Cache {
	return &Cache{
		store:   store,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
	}
}

// WithTTL overrides the default cache TTL.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

// WithDefaultReservationTTL sets the reservation TTL of the fallback
// policy served to tenants without a stored one.
func (c *Cache) WithDefaultReservationTTL(ttl time.Duration) *Cache {
	if ttl > 0 && ttl <= MaxReservationTTL {
		c.defaultTTL = ttl
	}
	return c
}

// Get returns the tenant's compiled policy. Store failures are returned
// so callers fail closed.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Compiled, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		c.mu.RUnlock()
		return entry.compiled, nil
	}
	c.mu.RUnlock()

	p, err := c.store.Get(ctx, tenantID)
	if errors.Is(err, ErrPolicyNotFound) {
		p = DefaultPolicy(tenantID)
		if c.defaultTTL > 0 {
			p.ReservationTTLSeconds = int(c.defaultTTL / time.Second)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	compiled, err := Compile(p)
	if err != nil {
		return nil, fmt.Errorf("compile policy for tenant %s: %w", tenantID, err)
	}

	c.mu.Lock()
	c.entries[tenantID] = &cacheEntry{compiled: compiled, fetchedAt: now}
	c.mu.Unlock()

	return compiled, nil
}

// Invalidate drops the cached policy for a tenant. Call after writes.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// Sweep removes expired entries. Returns the number removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, entry := range c.entries {
		if now.Sub(entry.fetchedAt) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Save validates, compiles and stores p, then invalidates the cached
// entry. It is the single write path for admin updates and file syncs.
func (c *Cache) Save(ctx context.Context, p *Policy) (*Compiled, error) {
	p.Normalize()
	compiled, err := Compile(p)
	if err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, p); err != nil {
		return nil, err
	}
	c.Invalidate(p.TenantID)
	return compiled, nil
}

// Reset deletes the tenant's stored policy, reverting it to DefaultPolicy.
func (c *Cache) Reset(ctx context.Context, tenantID string) error {
	err := c.store.Delete(ctx, tenantID)
	c.Invalidate(tenantID)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil
	}
	return err
}
