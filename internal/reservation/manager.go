package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/guardrail/internal/amount"
	"github.com/mbd888/guardrail/internal/ledger"
	"github.com/mbd888/guardrail/internal/reconciliation"
	"github.com/mbd888/guardrail/internal/retry"
	"github.com/mbd888/guardrail/internal/traces"
)

// Manager runs the reservation lifecycle.
type Manager struct {
	store      Store
	ledger     Ledger
	exceptions reconciliation.Store
	detector   *reconciliation.Detector
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time

	// settleAttempts bounds retries of ledger writes after a state gate
	// has been won; the gate cannot be undone.
	settleAttempts int
	settleDelay    time.Duration
}

// NewManager creates a reservation manager.
func NewManager(store Store, l Ledger, exceptions reconciliation.Store, detector *reconciliation.Detector, logger *slog.Logger) *Manager {
	return &Manager{
		store:          store,
		ledger:         l,
		exceptions:     exceptions,
		detector:       detector,
		logger:         logger,
		now:            time.Now,
		settleAttempts: 5,
		settleDelay:    50 * time.Millisecond,
	}
}

// WithNotifier adds an event notifier.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// ReserveRequest describes a hold to place for an allowed decision.
type ReserveRequest struct {
	DecisionID        string
	TenantID          string
	ProjectID         string
	Environment       string
	Source            string
	Action            string
	ResourceReference string
	Decision          string
	ReasonCodes       []string
	Amount            *big.Int
	TTL               time.Duration
	ApprovedBy        string
}

// Reserve places the ledger hold and persists an active reservation. If
// the record cannot be persisted the hold is released again.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.DecisionID == "" || req.TenantID == "" || req.ProjectID == "" || req.Environment == "" {
		return nil, fmt.Errorf("%w: decision, tenant, project and environment are required", ErrInvalidRequest)
	}
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrInvalidRequest)
	}
	if req.TTL <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidRequest)
	}
	if _, err := m.store.Get(ctx, req.DecisionID); err == nil {
		return nil, ErrDuplicateDecision
	} else if !errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}

	scope := ledger.ScopeKey(req.TenantID, req.ProjectID, req.Environment)
	alloc, err := m.ledger.Reserve(ctx, scope, req.Amount, req.DecisionID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	r := &Reservation{
		DecisionID:               req.DecisionID,
		TenantID:                 req.TenantID,
		ProjectID:                req.ProjectID,
		Environment:              req.Environment,
		ScopeKey:                 scope,
		Source:                   req.Source,
		Action:                   req.Action,
		ResourceReference:        req.ResourceReference,
		Decision:                 req.Decision,
		ReasonCodes:              req.ReasonCodes,
		ReservedAllocationAmount: alloc.AllocationAmount,
		ReservedCreditAmount:     alloc.CreditAmount,
		ReservedTotalAmount:      alloc.TotalAmount,
		CreditDraws:              alloc.Draws,
		ApprovedBy:               req.ApprovedBy,
		State:                    StateActive,
		CreatedAt:                now,
		TTLExpiresAt:             now.Add(req.TTL),
		UpdatedAt:                now,
	}
	if r.ReasonCodes == nil {
		r.ReasonCodes = []string{}
	}

	if err := m.store.Create(ctx, r); err != nil {
		if relErr := m.releaseWithRetry(ctx, scope, alloc, req.DecisionID); relErr != nil {
			m.logger.Error("CRITICAL: reservation not persisted and ledger hold not released",
				"decision_id", req.DecisionID, "scope", scope, "amount", alloc.TotalAmount, "error", relErr)
		}
		return nil, fmt.Errorf("failed to persist reservation: %w", err)
	}

	observeTransition(StateActive)
	m.logger.Info("reservation created", "decision_id", r.DecisionID, "scope", scope,
		"total", r.ReservedTotalAmount, "credit", r.ReservedCreditAmount, "ttl_expires_at", r.TTLExpiresAt)
	return r, nil
}

// Get returns a tenant's reservation.
func (m *Manager) Get(ctx context.Context, tenantID, decisionID string) (*Reservation, error) {
	r, err := m.store.Get(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if r.TenantID != tenantID {
		return nil, ErrReservationNotFound
	}
	return r, nil
}

// List returns reservations matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Reservation, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant required", ErrInvalidRequest)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return m.store.List(ctx, f)
}

// ListActive returns a tenant's active reservations.
func (m *Manager) ListActive(ctx context.Context, f Filter) ([]*Reservation, error) {
	f.State = StateActive
	return m.List(ctx, f)
}

// ListOverdue returns active reservations past their TTL at now.
func (m *Manager) ListOverdue(ctx context.Context, tenantID string, now time.Time, limit int) ([]*Reservation, error) {
	return m.store.ListOverdue(ctx, tenantID, now, limit)
}

// PendingSignal returns an observed actual cost awaiting reconciliation.
func (m *Manager) PendingSignal(ctx context.Context, decisionID string) (*big.Int, bool, error) {
	e, err := m.exceptions.Get(ctx, decisionID)
	if errors.Is(err, reconciliation.ErrExceptionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !e.OpenSignal() {
		return nil, false, nil
	}
	actual := e.Actual()
	return actual, actual != nil, nil
}

// Reconcile settles a reservation against its actual cost and records the
// drift outcome. A nil actual releases the whole hold and leaves a pending
// exception for an operator. A negative actual charges nothing and is
// classified against the reserved total like any other amount.
func (m *Manager) Reconcile(ctx context.Context, tenantID, decisionID string, actual *big.Int, notes, by string) (*reconciliation.Exception, error) {
	ctx, span := traces.StartSpan(ctx, "reservation.reconcile", traces.TenantID(tenantID), traces.DecisionID(decisionID))
	defer span.End()

	r, err := m.Get(ctx, tenantID, decisionID)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	e, err := m.reconcile(ctx, r, actual, notes, by)
	traces.Fail(span, err)
	if e != nil {
		span.SetAttributes(traces.Outcome(string(e.Status)))
	}
	return e, err
}

func (m *Manager) reconcile(ctx context.Context, r *Reservation, actual *big.Int, notes, by string) (*reconciliation.Exception, error) {
	if r.State.IsTerminal() {
		return nil, ErrAlreadyReconciled
	}
	now := m.now().UTC()
	won, err := m.store.Transition(ctx, r.DecisionID, StateActive, StateReconciled, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyReconciled
	}
	r.close(StateReconciled, now)
	observeTransition(StateReconciled)

	// The gate is won: the ledger write comes before anything that can fail.
	charge := actual
	if actual != nil && actual.Sign() < 0 {
		m.logger.Warn("negative actual cost, charging zero",
			"decision_id", r.DecisionID, "scope", r.ScopeKey, "actual", amount.Format(actual))
		charge = amount.Zero()
	}
	settlement, settleErr := m.settleWithRetry(ctx, r, charge)

	e := m.closingException(ctx, r, now)
	e.ResolvedBy = by
	if actual == nil {
		e.Status = reconciliation.StatusPending
		e.ActualDeltaAmount, e.DriftAmount = nil, nil
		e.Notes = firstNonEmpty(notes, reconciliation.NoteActualUnknown)
		e.ReconciledAt = &now
		e.UpdatedAt = now
	} else {
		outcome := m.detector.Compute(r.Total(), actual)
		e.Apply(outcome, actual, notes, now)
		reconciliation.Observe(outcome.Status, outcome.Drift)
	}
	if settleErr != nil {
		m.logger.Error("CRITICAL: reservation reconciled but ledger not settled",
			"decision_id", r.DecisionID, "scope", r.ScopeKey, "error", settleErr)
		e.Notes = joinNotes(e.Notes, "ledger_settlement_failed")
	}

	if err := m.upsertWithRetry(ctx, e); err != nil {
		m.logger.Error("CRITICAL: reservation reconciled but drift exception not recorded",
			"decision_id", r.DecisionID, "status", e.Status, "error", err)
		return nil, fmt.Errorf("failed to record drift exception: %w", err)
	}

	switch e.Status {
	case reconciliation.StatusOverage:
		m.notify(ctx, EventOverage, r, e)
	case reconciliation.StatusShortage:
		m.notify(ctx, EventShortage, r, e)
	}

	logArgs := []any{"decision_id", r.DecisionID, "scope", r.ScopeKey, "status", e.Status, "notes", e.Notes}
	if settlement != nil {
		logArgs = append(logArgs, "spent_budget", settlement.SpentFromBudget, "spent_credit", settlement.SpentFromCredit)
	}
	m.logger.Info("reservation reconciled", logArgs...)
	return e, nil
}

// ReconcileAsMatched is the operator override: it closes a reservation as
// if the actual cost equalled the reserved total. On a reservation that is
// already terminal but whose exception still needs attention, it closes
// the exception as matched without touching the ledger.
func (m *Manager) ReconcileAsMatched(ctx context.Context, tenantID, decisionID, operator string) (*reconciliation.Exception, error) {
	r, err := m.Get(ctx, tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	if !r.State.IsTerminal() {
		e, err := m.reconcile(ctx, r, r.Total(), reconciliation.NoteOpsMatched, operator)
		if !errors.Is(err, ErrAlreadyReconciled) {
			return e, err
		}
	}

	e, err := m.exceptions.Get(ctx, decisionID)
	if errors.Is(err, reconciliation.ErrExceptionNotFound) {
		return nil, ErrAlreadyReconciled
	}
	if err != nil {
		return nil, err
	}
	if !e.Status.NeedsAttention() {
		return nil, ErrAlreadyReconciled
	}

	now := m.now().UTC()
	prev := e.Status
	e.Status = reconciliation.StatusMatched
	e.Notes = joinNotes(reconciliation.NoteOpsMatched, "was_"+string(prev))
	e.ResolvedBy = operator
	e.ReconciledAt = &now
	e.UpdatedAt = now
	if err := m.exceptions.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to close drift exception: %w", err)
	}
	reconciliation.Observe(reconciliation.StatusMatched, nil)
	m.logger.Info("drift exception closed by operator", "decision_id", decisionID, "previous_status", prev, "by", operator)
	return e, nil
}

// IngestCostSignal records an actual cost reported by the cost collector
// and reconciles straight away. If that reconcile fails the signal stays
// recorded and the sweep reconciles it later. A signal for a reservation
// the sweep already released is attached to its expired exception. The
// signal is only written over an absent or still open record, so an
// outcome recorded by a concurrent reconcile is never replaced.
func (m *Manager) IngestCostSignal(ctx context.Context, tenantID, decisionID string, actual *big.Int) (*reconciliation.Exception, error) {
	if actual == nil {
		return nil, fmt.Errorf("%w: actual is required", ErrInvalidRequest)
	}
	r, err := m.Get(ctx, tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()

	switch r.State {
	case StateReconciled:
		return nil, ErrAlreadyReconciled
	case StateExpiredReleased:
		return m.attachLateSignal(ctx, r, actual, now)
	}

	e, err := m.exceptionFor(ctx, r, now)
	if err != nil {
		return nil, err
	}
	a := amount.Format(actual)
	e.ActualDeltaAmount = &a
	e.Status = reconciliation.StatusPending
	e.Notes = reconciliation.NoteSignalReceived
	e.UpdatedAt = now
	recorded, err := m.exceptions.RecordSignal(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("failed to record cost signal: %w", err)
	}
	if !recorded {
		return m.afterLostSignalRace(ctx, tenantID, decisionID, actual)
	}

	reconciled, err := m.reconcile(ctx, r, actual, reconciliation.NoteSignalReceived, "cost_signal")
	switch {
	case err == nil:
		return reconciled, nil
	case errors.Is(err, ErrAlreadyReconciled):
		// Another path won the gate; report what it recorded.
		return m.exceptions.Get(ctx, decisionID)
	default:
		m.logger.Warn("cost signal recorded, reconcile deferred to sweep", "decision_id", decisionID, "error", err)
		return e, nil
	}
}

// afterLostSignalRace handles a signal whose record was closed between the
// state check and the write.
func (m *Manager) afterLostSignalRace(ctx context.Context, tenantID, decisionID string, actual *big.Int) (*reconciliation.Exception, error) {
	r, err := m.Get(ctx, tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	if r.State == StateExpiredReleased {
		return m.attachLateSignal(ctx, r, actual, m.now().UTC())
	}
	m.logger.Info("cost signal arrived after reconcile, keeping recorded outcome", "decision_id", decisionID)
	return m.exceptions.Get(ctx, decisionID)
}

func (m *Manager) attachLateSignal(ctx context.Context, r *Reservation, actual *big.Int, now time.Time) (*reconciliation.Exception, error) {
	e, err := m.exceptionFor(ctx, r, now)
	if err != nil {
		return nil, err
	}
	if e.Status != reconciliation.StatusExpired {
		return nil, ErrAlreadyReconciled
	}
	outcome := m.detector.Compute(r.Total(), actual)
	a, d := amount.Format(actual), amount.Format(outcome.Drift)
	e.ActualDeltaAmount = &a
	e.DriftAmount = &d
	e.ToleranceAmount = amount.Format(outcome.Tolerance)
	e.Notes = joinNotes(e.Notes, "late_cost_signal")
	e.UpdatedAt = now
	if err := m.exceptions.Upsert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to record late cost signal: %w", err)
	}
	m.logger.Warn("cost signal arrived after reservation expired", "decision_id", r.DecisionID, "actual", a, "drift", d)
	return e, nil
}

// Expire releases an overdue reservation's hold and records an expired
// exception. It returns ErrAlreadyReconciled when another writer closed
// the reservation first.
func (m *Manager) Expire(ctx context.Context, r *Reservation) (*reconciliation.Exception, error) {
	now := m.now().UTC()
	won, err := m.store.Transition(ctx, r.DecisionID, StateActive, StateExpiredReleased, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyReconciled
	}
	r = r.clone()
	r.close(StateExpiredReleased, now)
	observeTransition(StateExpiredReleased)

	releaseErr := m.releaseWithRetry(ctx, r.ScopeKey, r.Allocation(), r.DecisionID)

	e := m.closingException(ctx, r, now)
	e.Status = reconciliation.StatusExpired
	e.ActualDeltaAmount, e.DriftAmount = nil, nil
	e.Notes = reconciliation.NoteSweepExpired
	e.ResolvedBy = "sweep"
	e.ReconciledAt = &now
	e.UpdatedAt = now
	if releaseErr != nil {
		m.logger.Error("CRITICAL: reservation expired but ledger hold not released",
			"decision_id", r.DecisionID, "scope", r.ScopeKey, "amount", r.ReservedTotalAmount, "error", releaseErr)
		e.Notes = joinNotes(e.Notes, "ledger_release_failed")
	}
	if err := m.upsertWithRetry(ctx, e); err != nil {
		m.logger.Error("CRITICAL: reservation expired but drift exception not recorded",
			"decision_id", r.DecisionID, "error", err)
		return nil, fmt.Errorf("failed to record expired exception: %w", err)
	}
	reconciliation.Observe(reconciliation.StatusExpired, nil)
	m.notify(ctx, EventExpired, r, e)
	m.logger.Info("reservation expired and released", "decision_id", r.DecisionID, "scope", r.ScopeKey,
		"amount", r.ReservedTotalAmount, "ttl_expires_at", r.TTLExpiresAt)
	return e, nil
}

// exceptionFor loads the reservation's exception or starts a new one.
func (m *Manager) exceptionFor(ctx context.Context, r *Reservation, now time.Time) (*reconciliation.Exception, error) {
	e, err := m.exceptions.Get(ctx, r.DecisionID)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, reconciliation.ErrExceptionNotFound) {
		return nil, err
	}
	return m.newException(r, now), nil
}

// closingException is exceptionFor for a reservation that already left the
// active state. A read failure yields a fresh record; the upsert that
// follows carries the final outcome either way.
func (m *Manager) closingException(ctx context.Context, r *Reservation, now time.Time) *reconciliation.Exception {
	e, err := m.exceptionFor(ctx, r, now)
	if err != nil {
		m.logger.Warn("drift exception unreadable, recording a fresh one", "decision_id", r.DecisionID, "error", err)
		return m.newException(r, now)
	}
	return e
}

func (m *Manager) newException(r *Reservation, now time.Time) *reconciliation.Exception {
	return &reconciliation.Exception{
		DecisionID:             r.DecisionID,
		TenantID:               r.TenantID,
		ScopeKey:               r.ScopeKey,
		ExpectedReservedAmount: r.ReservedTotalAmount,
		ToleranceAmount:        amount.Format(m.detector.Tolerance().For(r.Total())),
		Status:                 reconciliation.StatusPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func (m *Manager) backoff() retry.Backoff {
	return retry.Backoff{
		MaxAttempts: m.settleAttempts,
		BaseDelay:   m.settleDelay,
		MaxDelay:    2 * time.Second,
		Retryable: func(err error) bool {
			return !errors.Is(err, ledger.ErrInvalidAmount) && !errors.Is(err, ledger.ErrScopeNotFound)
		},
	}
}

func (m *Manager) settleWithRetry(ctx context.Context, r *Reservation, actual *big.Int) (*ledger.Settlement, error) {
	var s *ledger.Settlement
	err := m.backoff().Do(ctx, func(int) error {
		var err error
		s, err = m.ledger.Settle(ctx, r.ScopeKey, r.Allocation(), actual, r.DecisionID)
		return err
	})
	return s, err
}

func (m *Manager) releaseWithRetry(ctx context.Context, scope string, alloc *ledger.Allocation, ref string) error {
	return m.backoff().Do(ctx, func(int) error {
		return m.ledger.Release(ctx, scope, alloc, ref)
	})
}

func (m *Manager) upsertWithRetry(ctx context.Context, e *reconciliation.Exception) error {
	return m.backoff().Do(ctx, func(int) error {
		return m.exceptions.Upsert(ctx, e)
	})
}

// EventPayload is the body of reservation events.
type EventPayload struct {
	Reservation *Reservation              `json:"reservation"`
	Exception   *reconciliation.Exception `json:"exception,omitempty"`
}

func (m *Manager) notify(ctx context.Context, eventType string, r *Reservation, e *reconciliation.Exception) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, eventType, r.TenantID, EventPayload{Reservation: r, Exception: e})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func joinNotes(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + ";" + b
}
