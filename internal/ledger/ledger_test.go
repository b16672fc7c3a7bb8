package ledger

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guardrail/internal/amount"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

const testScope = "acme/checkout/prod"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l := New(store, cfg, testLogger())
	l.now = func() time.Time { return testNow }
	return l, store
}

func withBudget(t *testing.T, l *Ledger, limit string) {
	t.Helper()
	_, err := l.SetBudget(context.Background(), "acme", testScope, amount.MustParse(limit), true)
	require.NoError(t, err)
}

func grant(t *testing.T, l *Ledger, total string, expiresAt *time.Time) *Credit {
	t.Helper()
	c, err := l.GrantCredit(context.Background(), "acme", testScope, amount.MustParse(total), expiresAt, "test")
	require.NoError(t, err)
	return c
}

func account(t *testing.T, l *Ledger) *Account {
	t.Helper()
	acct, err := l.GetAccount(context.Background(), "acme", testScope)
	require.NoError(t, err)
	return acct
}

func ptr(t time.Time) *time.Time { return &t }

func TestScopeKey(t *testing.T) {
	key := ScopeKey("acme", "checkout", "PROD")
	assert.Equal(t, "acme/checkout/prod", key)

	tenant, project, env, err := ParseScopeKey(key)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "checkout", "prod"}, []string{tenant, project, env})

	_, _, _, err = ParseScopeKey("acme//prod")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestReserve_DrawsCreditBeforeBudget(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	withBudget(t, l, "1000")
	credit := grant(t, l, "50", nil)

	alloc, err := l.Reserve(context.Background(), testScope, amount.MustParse("120"), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "50.000000", alloc.CreditAmount)
	assert.Equal(t, "70.000000", alloc.AllocationAmount)
	assert.Equal(t, "120.000000", alloc.TotalAmount)
	require.Len(t, alloc.Draws, 1)
	assert.Equal(t, credit.ID, alloc.Draws[0].CreditID)

	acct := account(t, l)
	assert.Equal(t, "70.000000", acct.Budget.Reserved)
	assert.Equal(t, "0.000000", acct.Credits[0].RemainingAmount)
	assert.Equal(t, "930.000000", amount.Format(acct.Budget.Headroom()))
}

func TestReserve_InsufficientLeavesAccountUntouched(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	withBudget(t, l, "100")
	grant(t, l, "20", nil)
	before := account(t, l)

	_, err := l.Reserve(context.Background(), testScope, amount.MustParse("120.000001"), "dec-1")
	assert.ErrorIs(t, err, ErrInsufficientBudget)

	after := account(t, l)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, "0.000000", after.Budget.Reserved)
	assert.Equal(t, "20.000000", after.Credits[0].RemainingAmount)

	// Exactly the combined headroom fits.
	_, err = l.Reserve(context.Background(), testScope, amount.MustParse("120"), "dec-2")
	assert.NoError(t, err)
}

func TestReserve_UnknownScope(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	_, err := l.Reserve(context.Background(), "acme/nope/dev", amount.MustParse("1"), "dec-1")
	assert.ErrorIs(t, err, ErrInsufficientBudget)
}

func TestReserve_ZeroAmountNeedsNoScope(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	alloc, err := l.Reserve(context.Background(), "acme/nope/dev", amount.Zero(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "0.000000", alloc.TotalAmount)
}

func TestReserve_RejectsNegative(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	_, err := l.Reserve(context.Background(), testScope, amount.MustParse("-1"), "dec-1")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReserve_InactiveBudgetOnlyCredits(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	_, err := l.SetBudget(context.Background(), "acme", testScope, amount.MustParse("1000"), false)
	require.NoError(t, err)
	grant(t, l, "30", nil)

	_, err = l.Reserve(context.Background(), testScope, amount.MustParse("31"), "dec-1")
	assert.ErrorIs(t, err, ErrInsufficientBudget)

	alloc, err := l.Reserve(context.Background(), testScope, amount.MustParse("30"), "dec-2")
	require.NoError(t, err)
	assert.Equal(t, "0.000000", alloc.AllocationAmount)
}

func TestReserve_CreditOrdering(t *testing.T) {
	cases := []struct {
		name  string
		order CreditOrder
		first string
	}{
		{"expiring first", CreditOrderExpiringFirst, "soon"},
		{"granted first", CreditOrderGrantedFirst, "never"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CreditOrder = tc.order
			l, _ := newTestLedger(t, cfg)

			ids := map[string]string{}
			ids[grant(t, l, "10", nil).ID] = "never"
			l.now = func() time.Time { return testNow.Add(time.Minute) }
			ids[grant(t, l, "10", ptr(testNow.Add(48*time.Hour))).ID] = "soon"
			ids[grant(t, l, "10", ptr(testNow.Add(24*time.Hour*30))).ID] = "later"

			alloc, err := l.Reserve(context.Background(), testScope, amount.MustParse("5"), "dec-1")
			require.NoError(t, err)
			require.Len(t, alloc.Draws, 1)
			assert.Equal(t, tc.first, ids[alloc.Draws[0].CreditID])
		})
	}
}

func TestReserve_SkipsExpiredAndDeactivatedCredits(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	withBudget(t, l, "10")
	grant(t, l, "100", ptr(testNow.Add(time.Hour)))
	disabled := grant(t, l, "100", nil)
	_, err := l.DeactivateCredit(context.Background(), "acme", testScope, disabled.ID)
	require.NoError(t, err)

	l.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	_, err = l.Reserve(context.Background(), testScope, amount.MustParse("11"), "dec-1")
	assert.ErrorIs(t, err, ErrInsufficientBudget)

	alloc, err := l.Reserve(context.Background(), testScope, amount.MustParse("10"), "dec-2")
	require.NoError(t, err)
	assert.Empty(t, alloc.Draws)
}

func TestRelease_RestoresBudgetAndCredits(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	withBudget(t, l, "100")
	grant(t, l, "40", nil)

	alloc, err := l.Reserve(context.Background(), testScope, amount.MustParse("90"), "dec-1")
	require.NoError(t, err)
	require.NoError(t, l.Release(context.Background(), testScope, alloc, "dec-1"))

	acct := account(t, l)
	assert.Equal(t, "0.000000", acct.Budget.Reserved)
	assert.Equal(t, "40.000000", acct.Credits[0].RemainingAmount)
	assert.Equal(t, "0.000000", acct.Budget.Spent)
}

func TestSettle(t *testing.T) {
	cases := []struct {
		name       string
		actual     *string
		wantSpent  string
		wantCredit string
		want       Settlement
	}{
		{
			name:       "under reservation uses credit first",
			actual:     strp("50"),
			wantSpent:  "10.000000",
			wantCredit: "0.000000",
			want: Settlement{SpentFromCredit: "40.000000", SpentFromBudget: "10.000000",
				ReleasedAllocation: "50.000000", ReleasedCredit: "0.000000", Overage: "0.000000"},
		},
		{
			name:       "below credit share returns unused credit",
			actual:     strp("25"),
			wantSpent:  "0.000000",
			wantCredit: "15.000000",
			want: Settlement{SpentFromCredit: "25.000000", SpentFromBudget: "0.000000",
				ReleasedAllocation: "60.000000", ReleasedCredit: "15.000000", Overage: "0.000000"},
		},
		{
			name:       "overage charged to spent",
			actual:     strp("130"),
			wantSpent:  "90.000000",
			wantCredit: "0.000000",
			want: Settlement{SpentFromCredit: "40.000000", SpentFromBudget: "90.000000",
				ReleasedAllocation: "0.000000", ReleasedCredit: "0.000000", Overage: "30.000000"},
		},
		{
			name:       "unknown actual releases everything",
			actual:     nil,
			wantSpent:  "0.000000",
			wantCredit: "40.000000",
			want: Settlement{SpentFromCredit: "0.000000", SpentFromBudget: "0.000000",
				ReleasedAllocation: "60.000000", ReleasedCredit: "40.000000", Overage: "0.000000"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := newTestLedger(t, DefaultConfig())
			withBudget(t, l, "1000")
			grant(t, l, "40", nil)
			alloc, err := l.Reserve(context.Background(), testScope, amount.MustParse("100"), "dec-1")
			require.NoError(t, err)

			var actual *big.Int
			if tc.actual != nil {
				actual = amount.MustParse(*tc.actual)
			}
			s, err := l.Settle(context.Background(), testScope, alloc, actual, "dec-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, *s)

			acct := account(t, l)
			assert.Equal(t, "0.000000", acct.Budget.Reserved)
			assert.Equal(t, tc.wantSpent, acct.Budget.Spent)
			assert.Equal(t, tc.wantCredit, acct.Credits[0].RemainingAmount)
		})
	}
}

func strp(s string) *string { return &s }

func TestConcurrentReserve_ExactlyOneFits(t *testing.T) {
	l, _ := newTestLedger(t, Config{MaxAttempts: 100, BaseDelay: time.Microsecond})
	withBudget(t, l, "1000")

	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Reserve(context.Background(), testScope, amount.MustParse("600"), "dec")
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, ErrInsufficientBudget):
				insufficient.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), insufficient.Load())
	assert.Equal(t, "600.000000", account(t, l).Budget.Reserved)
}

func TestConcurrentReserve_NeverOvercommits(t *testing.T) {
	l, _ := newTestLedger(t, Config{MaxAttempts: 1000, BaseDelay: time.Microsecond})
	withBudget(t, l, "1000")
	grant(t, l, "100", nil)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(context.Background(), testScope, amount.MustParse("30"), "dec"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	// 1100 of capacity fits 36 holds of 30.
	assert.Equal(t, int32(36), ok.Load())
	acct := account(t, l)
	assert.Equal(t, "980.000000", acct.Budget.Reserved)
	assert.Equal(t, "0.000000", acct.Credits[0].RemainingAmount)
}

// conflictStore loses every CAS.
type conflictStore struct {
	*MemoryStore
	attempts atomic.Int32
}

func (s *conflictStore) CompareAndSwap(context.Context, int64, *Account, *Entry) error {
	s.attempts.Add(1)
	return ErrLedgerConflict
}

func TestReserve_ConflictExhaustionIsInsufficient(t *testing.T) {
	mem := NewMemoryStore()
	seed := New(mem, DefaultConfig(), testLogger())
	_, err := seed.SetBudget(context.Background(), "acme", testScope, amount.MustParse("100"), true)
	require.NoError(t, err)

	store := &conflictStore{MemoryStore: mem}
	l := New(store, Config{MaxAttempts: 3, BaseDelay: time.Microsecond}, testLogger())

	_, err = l.Reserve(context.Background(), testScope, amount.MustParse("1"), "dec-1")
	assert.ErrorIs(t, err, ErrInsufficientBudget)
	assert.ErrorIs(t, err, ErrLedgerConflict)
	assert.Equal(t, int32(3), store.attempts.Load())
}

func TestAdmin_TenantScoping(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	withBudget(t, l, "100")

	_, err := l.GetAccount(context.Background(), "globex", testScope)
	assert.ErrorIs(t, err, ErrScopeNotFound)

	_, err = l.SetBudget(context.Background(), "globex", testScope, amount.MustParse("1"), true)
	assert.ErrorIs(t, err, ErrScopeNotFound)

	accounts, err := l.ListAccounts(context.Background(), "globex")
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestDeactivateCredit_Unknown(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	withBudget(t, l, "100")
	_, err := l.DeactivateCredit(context.Background(), "acme", testScope, "cr_missing")
	assert.ErrorIs(t, err, ErrCreditNotFound)
}

func TestHistory_NewestFirst(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	withBudget(t, l, "100")
	alloc, err := l.Reserve(context.Background(), testScope, amount.MustParse("10"), "dec-1")
	require.NoError(t, err)
	require.NoError(t, l.Release(context.Background(), testScope, alloc, "dec-1"))

	entries, err := l.History(context.Background(), "acme", testScope, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EntryRelease, entries[0].Type)
	assert.Equal(t, EntryReserve, entries[1].Type)
	assert.Equal(t, "dec-1", entries[1].Reference)
	assert.Equal(t, EntryBudgetSet, entries[2].Type)
	assert.Equal(t, int64(3), entries[0].Version)
}

func TestRollover_ResetsSpentKeepsReserved(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	withBudget(t, l, "100")

	a1, err := l.Reserve(context.Background(), testScope, amount.MustParse("40"), "dec-1")
	require.NoError(t, err)
	_, err = l.Settle(context.Background(), testScope, a1, amount.MustParse("40"), "dec-1")
	require.NoError(t, err)
	_, err = l.Reserve(context.Background(), testScope, amount.MustParse("20"), "dec-2")
	require.NoError(t, err)

	n, err := l.Rollover(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, n, "same period is a no-op")

	n, err = l.Rollover(context.Background(), testNow.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	acct := account(t, l)
	assert.Equal(t, "0.000000", acct.Budget.Spent)
	assert.Equal(t, "20.000000", acct.Budget.Reserved)
	assert.Equal(t, "2026-04", acct.Budget.Period)
}

func TestRolloverScheduler_InvalidSchedule(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	s := NewRolloverScheduler(l, "not a schedule", testLogger())
	assert.Error(t, s.Start(context.Background()))
}

func TestRolloverScheduler_StartStop(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	s := NewRolloverScheduler(l, "", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.NotNil(t, s.NextRun())
	s.Stop()
	assert.Nil(t, s.NextRun())
}
