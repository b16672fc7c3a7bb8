package reservation

import (
	"context"
	"errors"
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
	"github.com/mbd888/guardrail/internal/ledger"
	"github.com/mbd888/guardrail/internal/reconciliation"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

const testScope = "acme/checkout/prod"

type recordedEvent struct {
	eventType string
	tenantID  string
	payload   EventPayload
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Notify(_ context.Context, eventType, tenantID string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{eventType, tenantID, payload.(EventPayload)})
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.eventType)
	}
	return out
}

type fixture struct {
	m          *Manager
	store      *MemoryStore
	ledger     *ledger.Ledger
	exceptions *reconciliation.MemoryStore
	notifier   *recordingNotifier
	clock      *time.Time
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, limit string) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), ledger.DefaultConfig(), testLogger())
	if limit != "" {
		_, err := l.SetBudget(context.Background(), "acme", testScope, amount.MustParse(limit), true)
		require.NoError(t, err)
	}
	f := &fixture{
		store:      NewMemoryStore(),
		ledger:     l,
		exceptions: reconciliation.NewMemoryStore(),
		notifier:   &recordingNotifier{},
	}
	now := testNow
	f.clock = &now
	f.m = NewManager(f.store, l, f.exceptions, reconciliation.NewDetector(reconciliation.DefaultTolerance()), testLogger()).
		WithNotifier(f.notifier)
	f.m.now = func() time.Time { return *f.clock }
	f.m.settleDelay = time.Millisecond
	return f
}

func (f *fixture) reserve(t *testing.T, id, amt string) *Reservation {
	t.Helper()
	r, err := f.m.Reserve(context.Background(), ReserveRequest{
		DecisionID:  id,
		TenantID:    "acme",
		ProjectID:   "checkout",
		Environment: "prod",
		Source:      "terraform",
		Action:      "apply",
		Decision:    "allow",
		Amount:      amount.MustParse(amt),
		TTL:         time.Hour,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) budget(t *testing.T) *ledger.Budget {
	t.Helper()
	acct, err := f.ledger.GetAccount(context.Background(), "acme", testScope)
	require.NoError(t, err)
	return acct.Budget
}

func TestReserve_HoldsBudgetAndPersistsActive(t *testing.T) {
	f := newFixture(t, "1000")

	r := f.reserve(t, "dec-1", "100")
	assert.Equal(t, StateActive, r.State)
	assert.Equal(t, testScope, r.ScopeKey)
	assert.Equal(t, "100.000000", r.ReservedTotalAmount)
	assert.Equal(t, testNow.Add(time.Hour), r.TTLExpiresAt)
	assert.NotNil(t, r.ReasonCodes)

	stored, err := f.store.Get(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, stored.State)
	assert.Equal(t, "100.000000", f.budget(t).Reserved)
}

func TestReserve_Validation(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()

	cases := []ReserveRequest{
		{TenantID: "acme", ProjectID: "checkout", Environment: "prod", Amount: big.NewInt(1), TTL: time.Hour},
		{DecisionID: "d", TenantID: "acme", ProjectID: "checkout", Environment: "prod", Amount: big.NewInt(-1), TTL: time.Hour},
		{DecisionID: "d", TenantID: "acme", ProjectID: "checkout", Environment: "prod", Amount: big.NewInt(1)},
	}
	for _, req := range cases {
		_, err := f.m.Reserve(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestReserve_DuplicateDecision(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	_, err := f.m.Reserve(context.Background(), ReserveRequest{
		DecisionID: "dec-1", TenantID: "acme", ProjectID: "checkout", Environment: "prod",
		Amount: amount.MustParse("100"), TTL: time.Hour,
	})
	assert.ErrorIs(t, err, ErrDuplicateDecision)
	assert.Equal(t, "100.000000", f.budget(t).Reserved)
}

func TestReserve_InsufficientBudget(t *testing.T) {
	f := newFixture(t, "50")

	_, err := f.m.Reserve(context.Background(), ReserveRequest{
		DecisionID: "dec-1", TenantID: "acme", ProjectID: "checkout", Environment: "prod",
		Amount: amount.MustParse("75"), TTL: time.Hour,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBudget)

	_, err = f.store.Get(context.Background(), "dec-1")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

type failingCreateStore struct {
	*MemoryStore
}

func (s failingCreateStore) Create(context.Context, *Reservation) error {
	return errors.New("connection reset")
}

func TestReserve_CompensatesWhenCreateFails(t *testing.T) {
	f := newFixture(t, "1000")
	f.m.store = failingCreateStore{f.store}

	_, err := f.m.Reserve(context.Background(), ReserveRequest{
		DecisionID: "dec-1", TenantID: "acme", ProjectID: "checkout", Environment: "prod",
		Amount: amount.MustParse("100"), TTL: time.Hour,
	})
	require.Error(t, err)
	assert.Equal(t, "0.000000", f.budget(t).Reserved)
}

func TestGet_TenantScoped(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "10")

	_, err := f.m.Get(context.Background(), "globex", "dec-1")
	assert.ErrorIs(t, err, ErrReservationNotFound)

	_, err = f.m.Reconcile(context.Background(), "globex", "dec-1", amount.MustParse("10"), "", "bob")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestReconcile_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		actual string
		status reconciliation.Status
		drift  string
		spent  string
		event  string
	}{
		{"within tolerance", "103", reconciliation.StatusMatched, "3.000000", "103.000000", ""},
		{"overage", "120", reconciliation.StatusOverage, "20.000000", "120.000000", EventOverage},
		{"shortage", "80", reconciliation.StatusShortage, "-20.000000", "80.000000", EventShortage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "1000")
			f.reserve(t, "dec-1", "100")

			e, err := f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse(tt.actual), "", "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.status, e.Status)
			require.NotNil(t, e.DriftAmount)
			assert.Equal(t, tt.drift, *e.DriftAmount)
			assert.Equal(t, "5.000000", e.ToleranceAmount)
			assert.Equal(t, "alice", e.ResolvedBy)
			assert.NotNil(t, e.ReconciledAt)

			b := f.budget(t)
			assert.Equal(t, "0.000000", b.Reserved)
			assert.Equal(t, tt.spent, b.Spent)

			r, err := f.store.Get(context.Background(), "dec-1")
			require.NoError(t, err)
			assert.Equal(t, StateReconciled, r.State)
			assert.NotNil(t, r.ResolvedAt)

			if tt.event == "" {
				assert.Empty(t, f.notifier.types())
			} else {
				assert.Equal(t, []string{tt.event}, f.notifier.types())
				assert.Equal(t, StateReconciled, f.notifier.events[0].payload.Reservation.State)
			}
		})
	}
}

func TestReconcile_Twice(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	_, err := f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse("100"), "", "alice")
	require.NoError(t, err)
	_, err = f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse("100"), "", "alice")
	assert.ErrorIs(t, err, ErrAlreadyReconciled)
	assert.Equal(t, "100.000000", f.budget(t).Spent)
}

func TestReconcile_UnknownActualReleases(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	e, err := f.m.Reconcile(context.Background(), "acme", "dec-1", nil, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusPending, e.Status)
	assert.Equal(t, reconciliation.NoteActualUnknown, e.Notes)
	assert.Nil(t, e.ActualDeltaAmount)
	assert.Nil(t, e.DriftAmount)

	b := f.budget(t)
	assert.Equal(t, "0.000000", b.Reserved)
	assert.Equal(t, "0.000000", b.Spent)
}

func TestReconcile_ConcurrentCallersSettleOnce(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	var wg sync.WaitGroup
	var ok, already atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse("100"), "", "alice")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyReconciled):
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(19), already.Load())
	assert.Equal(t, "100.000000", f.budget(t).Spent)
}

func TestReconcileVsExpire_OneWinner(t *testing.T) {
	f := newFixture(t, "1000")
	r := f.reserve(t, "dec-1", "100")

	var wg sync.WaitGroup
	var recErr, expErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, recErr = f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse("100"), "", "alice")
	}()
	go func() {
		defer wg.Done()
		_, expErr = f.m.Expire(context.Background(), r)
	}()
	wg.Wait()

	assert.True(t, (recErr == nil) != (expErr == nil), "exactly one closer must win: reconcile=%v expire=%v", recErr, expErr)
	b := f.budget(t)
	assert.Equal(t, "0.000000", b.Reserved)
	if recErr == nil {
		assert.Equal(t, "100.000000", b.Spent)
	} else {
		assert.Equal(t, "0.000000", b.Spent)
	}
}

func TestExpire_ReleasesAndNotifies(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")
	*f.clock = testNow.Add(2 * time.Hour)

	overdue, err := f.m.ListOverdue(context.Background(), "", *f.clock, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	e, err := f.m.Expire(context.Background(), overdue[0])
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusExpired, e.Status)
	assert.Equal(t, reconciliation.NoteSweepExpired, e.Notes)
	assert.Equal(t, "sweep", e.ResolvedBy)
	assert.Equal(t, "0.000000", f.budget(t).Reserved)
	assert.Equal(t, []string{EventExpired}, f.notifier.types())
	assert.Equal(t, StateActive, overdue[0].State, "caller's copy is not mutated")

	_, err = f.m.Expire(context.Background(), overdue[0])
	assert.ErrorIs(t, err, ErrAlreadyReconciled)
}

func TestIngestCostSignal_Reconciles(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	e, err := f.m.IngestCostSignal(context.Background(), "acme", "dec-1", amount.MustParse("101"))
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusMatched, e.Status)
	assert.Equal(t, reconciliation.NoteSignalReceived, e.Notes)
	assert.Equal(t, "cost_signal", e.ResolvedBy)

	_, err = f.m.IngestCostSignal(context.Background(), "acme", "dec-1", amount.MustParse("101"))
	assert.ErrorIs(t, err, ErrAlreadyReconciled)
}

func TestIngestCostSignal_RejectsMissingActual(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	_, err := f.m.IngestCostSignal(context.Background(), "acme", "dec-1", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestIngestCostSignal_LateSignalAfterExpiry(t *testing.T) {
	f := newFixture(t, "1000")
	r := f.reserve(t, "dec-1", "100")
	_, err := f.m.Expire(context.Background(), r)
	require.NoError(t, err)

	e, err := f.m.IngestCostSignal(context.Background(), "acme", "dec-1", amount.MustParse("130"))
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusExpired, e.Status)
	require.NotNil(t, e.ActualDeltaAmount)
	assert.Equal(t, "130.000000", *e.ActualDeltaAmount)
	assert.Equal(t, "30.000000", *e.DriftAmount)
	assert.Equal(t, "sweep_expired;late_cost_signal", e.Notes)
	assert.Equal(t, "0.000000", f.budget(t).Spent, "late signals never touch the ledger")
}

// hookedExceptionStore fails reads with getErr, and runs beforeGet once
// ahead of the first read.
type hookedExceptionStore struct {
	*reconciliation.MemoryStore
	getErr    error
	beforeGet func()
	fired     atomic.Bool
}

func (s *hookedExceptionStore) Get(ctx context.Context, decisionID string) (*reconciliation.Exception, error) {
	if s.beforeGet != nil && s.fired.CompareAndSwap(false, true) {
		s.beforeGet()
	}
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, decisionID)
}

func TestExpire_ReleasesWhenExceptionReadFails(t *testing.T) {
	f := newFixture(t, "1000")
	r := f.reserve(t, "dec-1", "300")
	f.m.exceptions = &hookedExceptionStore{MemoryStore: f.exceptions, getErr: errors.New("transient read error")}

	e, err := f.m.Expire(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusExpired, e.Status)
	assert.Equal(t, "0.000000", f.budget(t).Reserved)

	stored, err := f.exceptions.Get(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusExpired, stored.Status)
}

func TestReconcile_SettlesWhenExceptionReadFails(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "300")
	f.m.exceptions = &hookedExceptionStore{MemoryStore: f.exceptions, getErr: errors.New("transient read error")}

	e, err := f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse("300"), "", "alice")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusMatched, e.Status)

	b := f.budget(t)
	assert.Equal(t, "0.000000", b.Reserved)
	assert.Equal(t, "300.000000", b.Spent)
}

type failingSettleLedger struct {
	*ledger.Ledger
	calls atomic.Int32
}

func (l *failingSettleLedger) Settle(context.Context, string, *ledger.Allocation, *big.Int, string) (*ledger.Settlement, error) {
	l.calls.Add(1)
	return nil, errors.New("ledger unavailable")
}

func TestReconcile_LedgerFailureKeepsOutcome(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")
	fl := &failingSettleLedger{Ledger: f.ledger}
	f.m.ledger = fl

	e, err := f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse("150"), "", "alice")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusOverage, e.Status)
	assert.Contains(t, e.Notes, "ledger_settlement_failed")
	assert.Equal(t, int32(f.m.settleAttempts), fl.calls.Load())

	stored, err := f.exceptions.Get(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusOverage, stored.Status)
}

func TestIngestCostSignal_DoesNotOverwriteConcurrentReconcile(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	var manual *reconciliation.Exception
	f.m.exceptions = &hookedExceptionStore{
		MemoryStore: f.exceptions,
		beforeGet: func() {
			var err error
			manual, err = f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse("200"), "", "alice")
			require.NoError(t, err)
		},
	}

	e, err := f.m.IngestCostSignal(context.Background(), "acme", "dec-1", amount.MustParse("100"))
	require.NoError(t, err)
	require.NotNil(t, manual)
	assert.Equal(t, reconciliation.StatusOverage, manual.Status)
	assert.Equal(t, reconciliation.StatusOverage, e.Status)

	stored, err := f.exceptions.Get(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusOverage, stored.Status)
	require.NotNil(t, stored.ActualDeltaAmount)
	assert.Equal(t, "200.000000", *stored.ActualDeltaAmount)

	b := f.budget(t)
	assert.Equal(t, "0.000000", b.Reserved)
	assert.Equal(t, "200.000000", b.Spent)
}

func TestIngestCostSignal_ExpiredDuringSignalAttachesLate(t *testing.T) {
	f := newFixture(t, "1000")
	r := f.reserve(t, "dec-1", "100")
	f.m.exceptions = &hookedExceptionStore{
		MemoryStore: f.exceptions,
		beforeGet: func() {
			_, err := f.m.Expire(context.Background(), r)
			require.NoError(t, err)
		},
	}

	e, err := f.m.IngestCostSignal(context.Background(), "acme", "dec-1", amount.MustParse("130"))
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusExpired, e.Status)
	require.NotNil(t, e.ActualDeltaAmount)
	assert.Equal(t, "130.000000", *e.ActualDeltaAmount)
	assert.Equal(t, "0.000000", f.budget(t).Reserved)
}

func TestReconcile_NegativeActualIsShortage(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	e, err := f.m.Reconcile(context.Background(), "acme", "dec-1", amount.MustParse("-40"), "resources deleted", "alice")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusShortage, e.Status)
	require.NotNil(t, e.DriftAmount)
	assert.Equal(t, "-140.000000", *e.DriftAmount)
	assert.Equal(t, "-40.000000", *e.ActualDeltaAmount)

	b := f.budget(t)
	assert.Equal(t, "0.000000", b.Reserved)
	assert.Equal(t, "0.000000", b.Spent)
}

func TestIngestCostSignal_NegativeActual(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	e, err := f.m.IngestCostSignal(context.Background(), "acme", "dec-1", amount.MustParse("-5"))
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusShortage, e.Status)
	assert.Equal(t, "0.000000", f.budget(t).Spent)
}

func TestPendingSignal(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	_, ok, err := f.m.PendingSignal(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.False(t, ok)

	a := "42.000000"
	require.NoError(t, f.exceptions.Upsert(context.Background(), &reconciliation.Exception{
		DecisionID: "dec-1", TenantID: "acme", ScopeKey: testScope, ExpectedReservedAmount: "100.000000",
		ActualDeltaAmount: &a, ToleranceAmount: "5.000000", Status: reconciliation.StatusPending,
		Notes: reconciliation.NoteSignalReceived, CreatedAt: testNow, UpdatedAt: testNow,
	}))

	actual, ok, err := f.m.PendingSignal(context.Background(), "dec-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42.000000", amount.Format(actual))
}

func TestReconcileAsMatched_Active(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "100")

	e, err := f.m.ReconcileAsMatched(context.Background(), "acme", "dec-1", "ops-bob")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusMatched, e.Status)
	assert.Equal(t, reconciliation.NoteOpsMatched, e.Notes)
	assert.Equal(t, "ops-bob", e.ResolvedBy)
	assert.Equal(t, "100.000000", f.budget(t).Spent)
}

func TestReconcileAsMatched_ClosesExpiredException(t *testing.T) {
	f := newFixture(t, "1000")
	r := f.reserve(t, "dec-1", "100")
	_, err := f.m.Expire(context.Background(), r)
	require.NoError(t, err)

	e, err := f.m.ReconcileAsMatched(context.Background(), "acme", "dec-1", "ops-bob")
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusMatched, e.Status)
	assert.Equal(t, "ops_matched_reconcile;was_expired", e.Notes)
	assert.Equal(t, "0.000000", f.budget(t).Spent)

	_, err = f.m.ReconcileAsMatched(context.Background(), "acme", "dec-1", "ops-bob")
	assert.ErrorIs(t, err, ErrAlreadyReconciled)
}

func TestList_DefaultsAndTenant(t *testing.T) {
	f := newFixture(t, "1000")
	f.reserve(t, "dec-1", "10")
	*f.clock = testNow.Add(time.Minute)
	f.reserve(t, "dec-2", "10")

	_, err := f.m.List(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	rows, err := f.m.ListActive(context.Background(), Filter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "dec-2", rows[0].DecisionID)
}
