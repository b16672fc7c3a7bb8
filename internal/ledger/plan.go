package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/mbd888/guardrail/internal/amount"
)

// CreditOrder decides which credits a reservation consumes first.
type CreditOrder string

const (
	// CreditOrderExpiringFirst consumes the soonest-expiring credit first.
	// Credits without an expiry go last.
	CreditOrderExpiringFirst CreditOrder = "expiring_first"
	// CreditOrderGrantedFirst consumes the oldest grant first.
	CreditOrderGrantedFirst CreditOrder = "granted_first"
)

func (o CreditOrder) Valid() bool {
	return o == CreditOrderExpiringFirst || o == CreditOrderGrantedFirst
}

// orderCredits returns the credits usable at now in consumption order.
func orderCredits(credits []*Credit, now time.Time, order CreditOrder) []*Credit {
	usable := make([]*Credit, 0, len(credits))
	for _, c := range credits {
		if c.Usable(now) {
			usable = append(usable, c)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if order == CreditOrderExpiringFirst {
			switch {
			case a.ExpiresAt != nil && b.ExpiresAt == nil:
				return true
			case a.ExpiresAt == nil && b.ExpiresAt != nil:
				return false
			case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return usable
}

// planReserve mutates acct to hold want and returns the allocation.
// Credits are drawn first; the remainder must fit in budget headroom or
// the whole reservation fails.
func planReserve(acct *Account, want *big.Int, now time.Time, order CreditOrder) (*Allocation, error) {
	need := new(big.Int).Set(want)
	fromCredit := amount.Zero()
	var draws []CreditDraw

	for _, c := range orderCredits(acct.Credits, now, order) {
		if need.Sign() == 0 {
			break
		}
		remaining := amt(c.RemainingAmount)
		take := amount.Min(remaining, need)
		c.RemainingAmount = amount.Format(remaining.Sub(remaining, take))
		need.Sub(need, take)
		fromCredit.Add(fromCredit, take)
		draws = append(draws, CreditDraw{CreditID: c.ID, Amount: amount.Format(take)})
	}

	if need.Sign() > 0 {
		headroom := acct.Budget.Headroom()
		if headroom.Cmp(need) < 0 {
			return nil, fmt.Errorf("%w: requested %s, available %s (budget %s, credit %s)",
				ErrInsufficientBudget, amount.Format(want),
				amount.Format(new(big.Int).Add(headroom, fromCredit)),
				amount.Format(headroom), amount.Format(fromCredit))
		}
		acct.Budget.Reserved = amount.Format(new(big.Int).Add(amt(acct.Budget.Reserved), need))
	}

	return &Allocation{
		AllocationAmount: amount.Format(need),
		CreditAmount:     amount.Format(fromCredit),
		TotalAmount:      amount.Format(want),
		Draws:            draws,
	}, nil
}

// planRelease returns the whole allocation to acct.
func planRelease(acct *Account, alloc *Allocation) {
	releaseBudget(acct, amt(alloc.AllocationAmount))
	for _, d := range alloc.Draws {
		refundCredit(acct, d.CreditID, amt(d.Amount))
	}
}

// planSettle charges actual to alloc and returns unused holds. Credit
// draws absorb cost first in draw order; unused credit is returned to the
// last draws first.
func planSettle(acct *Account, alloc *Allocation, actual *big.Int) *Settlement {
	creditHeld := amt(alloc.CreditAmount)
	budgetHeld := amt(alloc.AllocationAmount)

	creditUsed := amount.Min(actual, creditHeld)
	rest := new(big.Int).Sub(actual, creditUsed)
	budgetUsed := amount.Min(rest, budgetHeld)
	overage := new(big.Int).Sub(rest, budgetUsed)

	creditUnused := new(big.Int).Sub(creditHeld, creditUsed)
	budgetUnused := new(big.Int).Sub(budgetHeld, budgetUsed)

	toReturn := new(big.Int).Set(creditUnused)
	for i := len(alloc.Draws) - 1; i >= 0 && toReturn.Sign() > 0; i-- {
		d := alloc.Draws[i]
		back := amount.Min(amt(d.Amount), toReturn)
		refundCredit(acct, d.CreditID, back)
		toReturn.Sub(toReturn, back)
	}

	releaseBudget(acct, budgetHeld)
	charged := new(big.Int).Add(budgetUsed, overage)
	if acct.Budget != nil && charged.Sign() > 0 {
		acct.Budget.Spent = amount.Format(new(big.Int).Add(amt(acct.Budget.Spent), charged))
	}

	return &Settlement{
		SpentFromCredit:    amount.Format(creditUsed),
		SpentFromBudget:    amount.Format(charged),
		ReleasedAllocation: amount.Format(budgetUnused),
		ReleasedCredit:     amount.Format(creditUnused),
		Overage:            amount.Format(overage),
	}
}

func releaseBudget(acct *Account, v *big.Int) {
	if acct.Budget == nil || v.Sign() == 0 {
		return
	}
	reserved := new(big.Int).Sub(amt(acct.Budget.Reserved), v)
	if reserved.Sign() < 0 {
		reserved.SetInt64(0)
	}
	acct.Budget.Reserved = amount.Format(reserved)
}

// refundCredit returns v to a credit, capped at its total. Refunds to an
// expired or deactivated credit still restore its balance; it just cannot
// be drawn again.
func refundCredit(acct *Account, creditID string, v *big.Int) {
	c := acct.credit(creditID)
	if c == nil || v.Sign() == 0 {
		return
	}
	remaining := new(big.Int).Add(amt(c.RemainingAmount), v)
	c.RemainingAmount = amount.Format(amount.Min(remaining, amt(c.TotalAmount)))
}

func zeroAllocation() *Allocation {
	z := amount.Format(nil)
	return &Allocation{AllocationAmount: z, CreditAmount: z, TotalAmount: z}
}

func allocationIsZero(a *Allocation) bool {
	return a == nil || (amt(a.AllocationAmount).Sign() == 0 && amt(a.CreditAmount).Sign() == 0)
}

func releasedSettlement(alloc *Allocation) *Settlement {
	if alloc == nil {
		alloc = zeroAllocation()
	}
	z := amount.Format(nil)
	return &Settlement{
		SpentFromCredit:    z,
		SpentFromBudget:    z,
		ReleasedAllocation: amount.Normalize(alloc.AllocationAmount),
		ReleasedCredit:     amount.Normalize(alloc.CreditAmount),
		Overage:            z,
	}
}
