// Package ledger tracks per-scope monthly budgets and time-limited credits,
// and places holds (reservations) against them.
//
// A scope (tenant/project/environment) is one Account record carrying its
// budget, its credits and a version. Every mutation reads the account,
// plans the change in memory, and commits it with a compare-and-swap on
// the version. A writer that loses the race re-reads and re-plans. No lock
// is held across a caller's database work, and scopes never contend with
// each other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/guardrail/internal/amount"
	"github.com/mbd888/guardrail/internal/idgen"
	"github.com/mbd888/guardrail/internal/retry"
)

var (
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrLedgerConflict     = errors.New("ledger conflict")
	ErrScopeNotFound      = errors.New("scope not found")
	ErrCreditNotFound     = errors.New("credit not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidScope       = errors.New("invalid scope key")
)

// ScopeKey builds the accounting bucket key for a tenant, project and
// environment.
func ScopeKey(tenantID, projectID, environment string) string {
	return tenantID + "/" + projectID + "/" + strings.ToLower(environment)
}

// ParseScopeKey splits a scope key into its segments.
func ParseScopeKey(key string) (tenantID, projectID, environment string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidScope, key)
	}
	return parts[0], parts[1], parts[2], nil
}

// Budget is a scope's monthly spending allowance.
type Budget struct {
	MonthlyLimit string `json:"monthlyLimit"`
	Reserved     string `json:"reserved"` // held by active reservations
	Spent        string `json:"spent"`    // settled this period
	Period       string `json:"period"`   // YYYY-MM
	Active       bool   `json:"active"`
}

// Headroom is limit - reserved - spent, floored at zero. Inactive budgets
// have no headroom.
func (b *Budget) Headroom() *big.Int {
	if b == nil || !b.Active {
		return amount.Zero()
	}
	h := new(big.Int).Sub(amt(b.MonthlyLimit), amt(b.Reserved))
	h.Sub(h, amt(b.Spent))
	if h.Sign() < 0 {
		return amount.Zero()
	}
	return h
}

// Credit is a granted balance consumed before budget headroom.
type Credit struct {
	ID              string     `json:"id"`
	ScopeKey        string     `json:"scopeKey"`
	TotalAmount     string     `json:"totalAmount"`
	RemainingAmount string     `json:"remainingAmount"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Reason          string     `json:"reason"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Usable reports whether the credit can fund a new reservation at now.
func (c *Credit) Usable(now time.Time) bool {
	if !c.Active || amt(c.RemainingAmount).Sign() <= 0 {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// Account is the per-scope ledger record: the unit of compare-and-swap.
type Account struct {
	ScopeKey  string    `json:"scopeKey"`
	TenantID  string    `json:"tenantId"`
	Budget    *Budget   `json:"budget,omitempty"`
	Credits   []*Credit `json:"credits"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy that can be mutated by a plan.
func (a *Account) Clone() *Account {
	cp := *a
	if a.Budget != nil {
		b := *a.Budget
		cp.Budget = &b
	}
	cp.Credits = make([]*Credit, len(a.Credits))
	for i, c := range a.Credits {
		cc := *c
		if c.ExpiresAt != nil {
			t := *c.ExpiresAt
			cc.ExpiresAt = &t
		}
		cp.Credits[i] = &cc
	}
	return &cp
}

// CreditAvailable sums remaining amounts of credits usable at now.
func (a *Account) CreditAvailable(now time.Time) *big.Int {
	total := amount.Zero()
	for _, c := range a.Credits {
		if c.Usable(now) {
			total.Add(total, amt(c.RemainingAmount))
		}
	}
	return total
}

func (a *Account) credit(id string) *Credit {
	for _, c := range a.Credits {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// CreditDraw is the portion of one credit held by a reservation.
type CreditDraw struct {
	CreditID string `json:"creditId"`
	Amount   string `json:"amount"`
}

// Allocation is what a reservation holds against a scope.
type Allocation struct {
	AllocationAmount string       `json:"allocationAmount"` // from budget headroom
	CreditAmount     string       `json:"creditAmount"`     // from credits
	TotalAmount      string       `json:"totalAmount"`
	Draws            []CreditDraw `json:"draws,omitempty"`
}

// Settlement describes how an actual cost was applied to an allocation.
type Settlement struct {
	SpentFromCredit    string `json:"spentFromCredit"`
	SpentFromBudget    string `json:"spentFromBudget"`
	ReleasedAllocation string `json:"releasedAllocation"`
	ReleasedCredit     string `json:"releasedCredit"`
	Overage            string `json:"overage"` // actual beyond the allocation, charged to Spent
}

// EntryType classifies journal entries.
type EntryType string

const (
	EntryReserve          EntryType = "reserve"
	EntryRelease          EntryType = "release"
	EntrySettle           EntryType = "settle"
	EntryBudgetSet        EntryType = "budget_set"
	EntryCreditGrant      EntryType = "credit_grant"
	EntryCreditDeactivate EntryType = "credit_deactivate"
	EntryRollover         EntryType = "rollover"
)

// Entry is an append-only journal record written in the same atomic step
// as the account change it describes.
type Entry struct {
	ID        string    `json:"id"`
	ScopeKey  string    `json:"scopeKey"`
	Type      EntryType `json:"type"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists accounts. CompareAndSwap is the only write primitive.
type Store interface {
	// GetAccount returns ErrScopeNotFound for unknown scopes.
	GetAccount(ctx context.Context, scopeKey string) (*Account, error)
	// CompareAndSwap replaces the account if its stored version equals
	// expectedVersion (0 = must not exist) and appends entry. On success
	// next.Version is expectedVersion+1. A lost race returns ErrLedgerConflict.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *Account, entry *Entry) error
	// ListAccounts lists a tenant's accounts; an empty tenant lists all.
	ListAccounts(ctx context.Context, tenantID string) ([]*Account, error)
	ListEntries(ctx context.Context, scopeKey string, limit int) ([]*Entry, error)
}

// Config tunes the CAS retry loop and credit ordering.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CreditOrder CreditOrder
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 8, BaseDelay: 2 * time.Millisecond, CreditOrder: CreditOrderExpiringFirst}
}

// Ledger is the Budget & Credit Ledger service.
type Ledger struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store Store, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if !cfg.CreditOrder.Valid() {
		cfg.CreditOrder = CreditOrderExpiringFirst
	}
	return &Ledger{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// mutate runs read -> plan -> CAS, retrying on ErrLedgerConflict with a
// fresh read each attempt. plan mutates the clone it is given and returns
// the journal entry; plan errors are returned without retry. When the
// scope is missing, create (if non-nil) supplies a fresh account to insert.
func (l *Ledger) mutate(ctx context.Context, op, scopeKey string, create func() *Account, plan func(acct *Account) (*Entry, error)) (*Account, error) {
	done := observeOp(op)
	defer done()

	var committed *Account
	b := retry.Backoff{
		MaxAttempts: l.cfg.MaxAttempts,
		BaseDelay:   l.cfg.BaseDelay,
		MaxDelay:    50 * time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, ErrLedgerConflict) },
		OnRetry: func(attempt int, err error) {
			casConflicts.WithLabelValues(op).Inc()
			l.logger.Debug("ledger CAS conflict, retrying", "op", op, "scope", scopeKey, "attempt", attempt)
		},
	}
	err := b.Do(ctx, func(int) error {
		current, err := l.store.GetAccount(ctx, scopeKey)
		var expected int64
		switch {
		case errors.Is(err, ErrScopeNotFound) && create != nil:
			current = create()
		case err != nil:
			return err
		default:
			expected = current.Version
		}

		next := current.Clone()
		entry, err := plan(next)
		if err != nil {
			return err
		}
		entry.ID = idgen.WithPrefix("le_")
		entry.ScopeKey = scopeKey
		entry.Version = expected + 1
		entry.CreatedAt = l.now().UTC()
		next.UpdatedAt = entry.CreatedAt

		if err := l.store.CompareAndSwap(ctx, expected, next, entry); err != nil {
			return err
		}
		committed = next
		return nil
	})
	recordOutcome(op, err)
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// Reserve places a hold of amt against scopeKey, drawing credit first and
// then budget headroom. It fails fast with ErrInsufficientBudget; it never
// waits for capacity. reference (usually the decision ID) is journaled.
func (l *Ledger) Reserve(ctx context.Context, scopeKey string, amt *big.Int, reference string) (*Allocation, error) {
	if amt == nil || amt.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if amt.Sign() == 0 {
		return zeroAllocation(), nil
	}

	var alloc *Allocation
	_, err := l.mutate(ctx, "reserve", scopeKey, nil, func(acct *Account) (*Entry, error) {
		a, err := planReserve(acct, amt, l.now(), l.cfg.CreditOrder)
		if err != nil {
			return nil, err
		}
		alloc = a
		return &Entry{Type: EntryReserve, Amount: a.TotalAmount, Reference: reference}, nil
	})
	switch {
	case errors.Is(err, ErrScopeNotFound):
		return nil, fmt.Errorf("%w: no budget or credit configured for %s", ErrInsufficientBudget, scopeKey)
	case errors.Is(err, ErrLedgerConflict):
		l.logger.Warn("ledger reserve gave up after repeated conflicts", "scope", scopeKey, "amount", amount.Format(amt))
		return nil, fmt.Errorf("%w: %w", ErrInsufficientBudget, err)
	case err != nil:
		return nil, err
	}
	return alloc, nil
}

// Release returns an allocation's budget hold and credit draws. Callers
// must guarantee each allocation is released at most once; the reservation
// state gate provides that.
func (l *Ledger) Release(ctx context.Context, scopeKey string, alloc *Allocation, reference string) error {
	if allocationIsZero(alloc) {
		return nil
	}
	_, err := l.mutate(ctx, "release", scopeKey, nil, func(acct *Account) (*Entry, error) {
		planRelease(acct, alloc)
		return &Entry{Type: EntryRelease, Amount: alloc.TotalAmount, Reference: reference}, nil
	})
	return err
}

// Settle applies an actual cost to an allocation: actual is charged to the
// allocation's credit draws first, then its budget share, with anything
// beyond the allocation added to Spent as overage. Unused holds return to
// the scope. A nil actual releases the whole allocation.
func (l *Ledger) Settle(ctx context.Context, scopeKey string, alloc *Allocation, actual *big.Int, reference string) (*Settlement, error) {
	if actual == nil {
		if err := l.Release(ctx, scopeKey, alloc, reference); err != nil {
			return nil, err
		}
		return releasedSettlement(alloc), nil
	}
	if actual.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if alloc == nil {
		alloc = zeroAllocation()
	}

	var s *Settlement
	_, err := l.mutate(ctx, "settle", scopeKey, nil, func(acct *Account) (*Entry, error) {
		s = planSettle(acct, alloc, actual)
		return &Entry{Type: EntrySettle, Amount: amount.Format(actual), Reference: reference}, nil
	})
	if errors.Is(err, ErrScopeNotFound) && allocationIsZero(alloc) {
		// Nothing was ever held and there is no budget to charge.
		return planSettle(&Account{}, alloc, actual), nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetBudget creates or updates the scope's monthly budget.
func (l *Ledger) SetBudget(ctx context.Context, tenantID, scopeKey string, limit *big.Int, active bool) (*Account, error) {
	if err := checkTenantScope(tenantID, scopeKey); err != nil {
		return nil, err
	}
	if limit == nil || limit.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, "budget_set", scopeKey, l.newAccount(tenantID, scopeKey), func(acct *Account) (*Entry, error) {
		if acct.Budget == nil {
			acct.Budget = &Budget{Reserved: amount.Format(nil), Spent: amount.Format(nil), Period: period(l.now())}
		}
		acct.Budget.MonthlyLimit = amount.Format(limit)
		acct.Budget.Active = active
		return &Entry{Type: EntryBudgetSet, Amount: acct.Budget.MonthlyLimit}, nil
	})
}

// GrantCredit adds a credit to the scope. expiresAt may be nil for credits
// that never expire.
func (l *Ledger) GrantCredit(ctx context.Context, tenantID, scopeKey string, total *big.Int, expiresAt *time.Time, reason string) (*Credit, error) {
	if err := checkTenantScope(tenantID, scopeKey); err != nil {
		return nil, err
	}
	if total == nil || total.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	credit := &Credit{
		ID:              idgen.WithPrefix("cr_"),
		ScopeKey:        scopeKey,
		TotalAmount:     amount.Format(total),
		RemainingAmount: amount.Format(total),
		ExpiresAt:       expiresAt,
		Reason:          reason,
		Active:          true,
		CreatedAt:       l.now().UTC(),
	}
	_, err := l.mutate(ctx, "credit_grant", scopeKey, l.newAccount(tenantID, scopeKey), func(acct *Account) (*Entry, error) {
		cp := *credit
		acct.Credits = append(acct.Credits, &cp)
		return &Entry{Type: EntryCreditGrant, Amount: credit.TotalAmount, Reference: credit.ID}, nil
	})
	if err != nil {
		return nil, err
	}
	return credit, nil
}

// DeactivateCredit stops a credit from funding new reservations. Existing
// draws are unaffected.
func (l *Ledger) DeactivateCredit(ctx context.Context, tenantID, scopeKey, creditID string) (*Credit, error) {
	if err := checkTenantScope(tenantID, scopeKey); err != nil {
		return nil, err
	}
	var out Credit
	_, err := l.mutate(ctx, "credit_deactivate", scopeKey, nil, func(acct *Account) (*Entry, error) {
		c := acct.credit(creditID)
		if c == nil {
			return nil, ErrCreditNotFound
		}
		c.Active = false
		out = *c
		return &Entry{Type: EntryCreditDeactivate, Amount: c.RemainingAmount, Reference: creditID}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccount returns a tenant's account for scopeKey.
func (l *Ledger) GetAccount(ctx context.Context, tenantID, scopeKey string) (*Account, error) {
	if err := checkTenantScope(tenantID, scopeKey); err != nil {
		return nil, err
	}
	acct, err := l.store.GetAccount(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	if acct.TenantID != tenantID {
		return nil, ErrScopeNotFound
	}
	return acct, nil
}

// ListAccounts returns all of a tenant's accounts.
func (l *Ledger) ListAccounts(ctx context.Context, tenantID string) ([]*Account, error) {
	if tenantID == "" {
		return nil, ErrInvalidScope
	}
	return l.store.ListAccounts(ctx, tenantID)
}

// History returns the newest journal entries for a tenant's scope.
func (l *Ledger) History(ctx context.Context, tenantID, scopeKey string, limit int) ([]*Entry, error) {
	if _, err := l.GetAccount(ctx, tenantID, scopeKey); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.ListEntries(ctx, scopeKey, limit)
}

// Available reports budget headroom and usable credit for a scope.
func (l *Ledger) Available(acct *Account) (budget, credit *big.Int) {
	return acct.Budget.Headroom(), acct.CreditAvailable(l.now())
}

func (l *Ledger) newAccount(tenantID, scopeKey string) func() *Account {
	return func() *Account {
		return &Account{ScopeKey: scopeKey, TenantID: tenantID, Credits: []*Credit{}}
	}
}

func checkTenantScope(tenantID, scopeKey string) error {
	tenant, _, _, err := ParseScopeKey(scopeKey)
	if err != nil {
		return err
	}
	if tenantID == "" || tenant != tenantID {
		return ErrScopeNotFound
	}
	return nil
}

// period returns the accounting period label for t.
func period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// amt parses a stored amount. Stored amounts are always written by
// amount.Format, so a parse failure means zero.
func amt(s string) *big.Int {
	v, ok := amount.ParseSigned(s)
	if !ok {
		return amount.Zero()
	}
	return v
}
