package reservation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guardrail/internal/amount"
	"github.com/mbd888/guardrail/internal/ledger"
	"github.com/mbd888/guardrail/internal/reconciliation"
	"github.com/mbd888/guardrail/internal/testutil"
)

func TestPostgresStore_RoundTripAndOverdue(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()
	s := NewPostgresStore(db)

	r := newReservation("dec-1", "acme", testNow)
	r.ReasonCodes = []string{"budget_ok"}
	r.CreditDraws = []ledger.CreditDraw{{CreditID: "cr_1", Amount: "2.000000"}}
	require.NoError(t, s.Create(ctx, r))
	assert.ErrorIs(t, s.Create(ctx, r), ErrDuplicateDecision)

	got, err := s.Get(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "10.000000", got.ReservedTotalAmount)
	assert.Equal(t, []string{"budget_ok"}, got.ReasonCodes)
	assert.Equal(t, r.CreditDraws, got.CreditDraws)
	assert.True(t, got.TTLExpiresAt.Equal(testNow.Add(time.Hour)))

	require.NoError(t, s.Create(ctx, newReservation("dec-2", "acme", testNow.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, newReservation("dec-3", "globex", testNow)))

	overdue, err := s.ListOverdue(ctx, "", testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, overdue, "a TTL equal to the cutoff is not overdue yet")

	overdue, err = s.ListOverdue(ctx, "", testNow.Add(time.Hour+time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, overdue, 2)

	overdue, err = s.ListOverdue(ctx, "acme", testNow.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, "dec-1", overdue[0].DecisionID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestPostgresStore_TransitionHasOneWinner(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()
	s := NewPostgresStore(db)
	require.NoError(t, s.Create(ctx, newReservation("dec-1", "acme", testNow)))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := StateReconciled
			if i%2 == 0 {
				to = StateExpiredReleased
			}
			won, err := s.Transition(ctx, "dec-1", StateActive, to, testNow.Add(2*time.Hour))
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.Get(ctx, "dec-1")
	require.NoError(t, err)
	assert.True(t, got.State.IsTerminal())
	require.NotNil(t, got.ResolvedAt)

	won, err := s.Transition(ctx, "missing", StateActive, StateReconciled, testNow)
	assert.False(t, won)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestManager_PostgresReserveAndReconcile(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := context.Background()

	l := ledger.New(ledger.NewPostgresStore(db), ledger.DefaultConfig(), testLogger())
	_, err := l.SetBudget(ctx, "acme", testScope, amount.MustParse("1000"), true)
	require.NoError(t, err)
	exceptions := reconciliation.NewPostgresStore(db)
	m := NewManager(NewPostgresStore(db), l, exceptions,
		reconciliation.NewDetector(reconciliation.DefaultTolerance()), testLogger())

	r, err := m.Reserve(ctx, ReserveRequest{
		DecisionID:  "dec-pg",
		TenantID:    "acme",
		ProjectID:   "checkout",
		Environment: "prod",
		Source:      "terraform",
		Action:      "apply",
		Decision:    "allow",
		Amount:      amount.MustParse("100"),
		TTL:         time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, StateActive, r.State)

	e, err := m.Reconcile(ctx, "acme", "dec-pg", amount.MustParse("130"), "", "ops@acme")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusOverage, e.Status)

	stored, err := exceptions.Get(ctx, "dec-pg")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusOverage, stored.Status)

	acct, err := l.GetAccount(ctx, "acme", testScope)
	require.NoError(t, err)
	assert.Equal(t, "0.000000", amount.Normalize(acct.Budget.Reserved))
	assert.Equal(t, "130.000000", amount.Normalize(acct.Budget.Spent))

	_, err = m.Reconcile(ctx, "acme", "dec-pg", amount.MustParse("130"), "", "ops@acme")
	assert.ErrorIs(t, err, ErrAlreadyReconciled)
}
