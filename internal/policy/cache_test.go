package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) Get(context.Context, string) (*Policy, error) { return nil, f.err }

func TestCache_DefaultWhenMissing(t *testing.T) {
	cache := NewCache(NewMemoryStore())

	c, err := cache.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", c.Policy().TenantID)
	assert.Equal(t, ModeHard, c.Policy().DefaultMode)
}

func TestCache_DefaultReservationTTL(t *testing.T) {
	cache := NewCache(NewMemoryStore()).WithDefaultReservationTTL(30 * time.Minute)

	c, err := cache.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, c.Policy().ReservationTTL())

	// out of range is ignored
	cache = NewCache(NewMemoryStore()).WithDefaultReservationTTL(MaxReservationTTL + time.Hour)
	c, err = cache.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, DefaultReservationTTL, c.Policy().ReservationTTL())
}

func TestCache_SaveInvalidatesAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cache := NewCache(store).WithTTL(time.Hour)

	_, err := cache.Get(ctx, "acme")
	require.NoError(t, err)

	p := hardPolicy()
	_, err = cache.Save(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)

	c, err := cache.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, c.Policy().HardDenyAboveMonthlyUSD, "cached default must be replaced")

	p.HardDenyAboveMonthlyUSD = 8000
	_, err = cache.Save(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
}

func TestCache_SaveRejectsInvalid(t *testing.T) {
	cache := NewCache(NewMemoryStore())
	p := hardPolicy()
	p.HardDenyAboveMonthlyUSD = -5

	_, err := cache.Save(context.Background(), p)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestCache_StoreErrorFailsClosed(t *testing.T) {
	cache := NewCache(&failingStore{MemoryStore: NewMemoryStore(), err: errors.New("db down")})

	_, err := cache.Get(context.Background(), "acme")
	assert.Error(t, err)
}

func TestCache_TTLAndSweep(t *testing.T) {
	now := time.Now()
	cache := NewCache(NewMemoryStore()).WithTTL(time.Minute)
	cache.now = func() time.Time { return now }

	_, _ = cache.Get(context.Background(), "a")
	_, _ = cache.Get(context.Background(), "b")
	assert.Equal(t, 0, cache.Sweep())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, cache.Sweep())
}

func TestCache_Reset(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryStore())
	_, err := cache.Save(ctx, hardPolicy())
	require.NoError(t, err)

	require.NoError(t, cache.Reset(ctx, "acme"))
	c, err := cache.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, c.Policy().HardDenyAboveMonthlyUSD)

	// Resetting a tenant without a policy is a no-op.
	assert.NoError(t, cache.Reset(ctx, "nobody"))
}
