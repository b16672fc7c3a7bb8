// Package reservation manages time-boxed holds placed against a scope's
// budget and credits for changes the gate allowed.
//
// Lifecycle:
//  1. Reserve: ledger hold placed, record persisted as active
//  2. Reconcile: actual cost reported, hold settled, drift recorded
//  3. Expire: TTL passed with no reconciliation, hold released by the sweep
//
// Reconciled and expired_released are terminal. Every move out of active
// goes through Store.Transition, which lets exactly one caller win; only
// the winner touches the ledger, so a hold is never settled twice.
package reservation

import (
	"context"
	"errors"
	"math/big"
	"slices"
	"time"

	"github.com/mbd888/guardrail/internal/amount"
	"github.com/mbd888/guardrail/internal/ledger"
	"github.com/mbd888/guardrail/internal/pagination"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyReconciled   = errors.New("reservation already reconciled or released")
	ErrDuplicateDecision   = errors.New("reservation already exists for decision")
	ErrInvalidState        = errors.New("invalid reservation state transition")
	ErrInvalidRequest      = errors.New("invalid reservation request")
)

// State is a reservation's lifecycle position.
type State string

const (
	StatePending         State = "pending"
	StateActive          State = "active"
	StateReconciled      State = "reconciled"
	StateExpiredReleased State = "expired_released"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateActive, StateReconciled, StateExpiredReleased:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateReconciled || s == StateExpiredReleased
}

// CanTransition reports whether s -> to is a legal, forward move.
func (s State) CanTransition(to State) bool {
	switch s {
	case StatePending:
		return to == StateActive
	case StateActive:
		return to == StateReconciled || to == StateExpiredReleased
	}
	return false
}

// Reservation is a hold against a scope for one gate decision.
type Reservation struct {
	DecisionID               string              `json:"decisionId"`
	TenantID                 string              `json:"tenantId"`
	ProjectID                string              `json:"projectId"`
	Environment              string              `json:"environment"`
	ScopeKey                 string              `json:"scopeKey"`
	Source                   string              `json:"source"`
	Action                   string              `json:"action"`
	ResourceReference        string              `json:"resourceReference"`
	Decision                 string              `json:"decision"`
	ReasonCodes              []string            `json:"reasonCodes"`
	ReservedAllocationAmount string              `json:"reservedAllocationAmount"`
	ReservedCreditAmount     string              `json:"reservedCreditAmount"`
	ReservedTotalAmount      string              `json:"reservedTotalAmount"`
	CreditDraws              []ledger.CreditDraw `json:"creditDraws,omitempty"`
	ApprovedBy               string              `json:"approvedBy,omitempty"`
	State                    State               `json:"state"`
	CreatedAt                time.Time           `json:"createdAt"`
	TTLExpiresAt             time.Time           `json:"ttlExpiresAt"`
	ResolvedAt               *time.Time          `json:"resolvedAt,omitempty"`
	UpdatedAt                time.Time           `json:"updatedAt"`
}

// Allocation rebuilds the ledger allocation this reservation holds.
func (r *Reservation) Allocation() *ledger.Allocation {
	return &ledger.Allocation{
		AllocationAmount: r.ReservedAllocationAmount,
		CreditAmount:     r.ReservedCreditAmount,
		TotalAmount:      r.ReservedTotalAmount,
		Draws:            slices.Clone(r.CreditDraws),
	}
}

// Total returns the reserved total in micro-units.
func (r *Reservation) Total() *big.Int {
	v, ok := amount.Parse(r.ReservedTotalAmount)
	if !ok {
		return amount.Zero()
	}
	return v
}

// Overdue reports whether the reservation is active past its TTL.
func (r *Reservation) Overdue(now time.Time) bool {
	return r.State == StateActive && now.After(r.TTLExpiresAt)
}

func (r *Reservation) close(to State, at time.Time) {
	r.State = to
	r.ResolvedAt = &at
	r.UpdatedAt = at
}

func (r *Reservation) clone() *Reservation {
	cp := *r
	cp.ReasonCodes = slices.Clone(r.ReasonCodes)
	cp.CreditDraws = slices.Clone(r.CreditDraws)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Filter narrows a List call. TenantID is required; other fields are
// optional.
type Filter struct {
	TenantID    string
	ProjectID   string
	Environment string
	State       State
	Limit       int
	Cursor      *pagination.Cursor
}

func (f Filter) matches(r *Reservation) bool {
	return r.TenantID == f.TenantID &&
		(f.ProjectID == "" || r.ProjectID == f.ProjectID) &&
		(f.Environment == "" || r.Environment == f.Environment) &&
		(f.State == "" || r.State == f.State)
}

// Store persists reservations.
type Store interface {
	// Create inserts r; an existing decision ID returns ErrDuplicateDecision.
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, decisionID string) (*Reservation, error)
	// Transition moves a reservation from -> to if it is currently in from.
	// It reports false when another writer moved it first.
	Transition(ctx context.Context, decisionID string, from, to State, at time.Time) (bool, error)
	// List returns reservations newest first, at most Limit+1 rows.
	List(ctx context.Context, f Filter) ([]*Reservation, error)
	// ListOverdue returns active reservations whose TTL is strictly before
	// cutoff, oldest expiry first. An empty tenantID spans all tenants.
	ListOverdue(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]*Reservation, error)
}

// Ledger is the part of the budget ledger the manager drives.
type Ledger interface {
	Reserve(ctx context.Context, scopeKey string, amt *big.Int, reference string) (*ledger.Allocation, error)
	Release(ctx context.Context, scopeKey string, alloc *ledger.Allocation, reference string) error
	Settle(ctx context.Context, scopeKey string, alloc *ledger.Allocation, actual *big.Int, reference string) (*ledger.Settlement, error)
}

// Event types emitted by the manager.
const (
	EventOverage  = "reconciliation.overage"
	EventShortage = "reconciliation.shortage"
	EventExpired  = "reservation.expired"
)

// Notifier delivers engine events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, eventType, tenantID string, payload any)
}
