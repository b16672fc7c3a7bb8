// Package reconciliation compares a reservation's held amount with the
// actual cost later reported for the change, and records the outcome as a
// drift exception.
package reconciliation

import (
	"fmt"
	"math/big"

	"github.com/mbd888/guardrail/internal/amount"
)

// ToleranceMode selects how the drift band is computed.
type ToleranceMode string

const (
	ToleranceFixed   ToleranceMode = "fixed"   // MinAbsolute only
	TolerancePercent ToleranceMode = "percent" // PercentBPS of reserved only
	ToleranceHybrid  ToleranceMode = "hybrid"  // the larger of the two
)

func (m ToleranceMode) Valid() bool {
	switch m {
	case ToleranceFixed, TolerancePercent, ToleranceHybrid:
		return true
	}
	return false
}

// Tolerance is the band within which drift is treated as rounding noise.
type Tolerance struct {
	Mode        ToleranceMode
	MinAbsolute *big.Int // micro-units
	PercentBPS  int64    // basis points of the reserved amount
}

// DefaultTolerance is hybrid: the greater of 1.00 and 5% of reserved.
func DefaultTolerance() Tolerance {
	return Tolerance{Mode: ToleranceHybrid, MinAbsolute: amount.MustParse("1.00"), PercentBPS: 500}
}

// ParseTolerance builds a tolerance from configuration strings.
func ParseTolerance(mode, minAbsolute string, bps int64) (Tolerance, error) {
	t := Tolerance{Mode: ToleranceMode(mode), PercentBPS: bps}
	if !t.Mode.Valid() {
		return Tolerance{}, fmt.Errorf("unknown drift tolerance mode %q", mode)
	}
	if bps < 0 || bps > 10_000 {
		return Tolerance{}, fmt.Errorf("drift tolerance bps %d out of range [0, 10000]", bps)
	}
	v, ok := amount.Parse(minAbsolute)
	if !ok {
		return Tolerance{}, fmt.Errorf("invalid drift tolerance minimum %q", minAbsolute)
	}
	t.MinAbsolute = v
	return t, nil
}

// For returns the tolerance band for a reserved amount.
func (t Tolerance) For(reserved *big.Int) *big.Int {
	floor := t.MinAbsolute
	if floor == nil {
		floor = amount.Zero()
	}
	pct := amount.BasisPoints(amount.Abs(reserved), t.PercentBPS)
	switch t.Mode {
	case ToleranceFixed:
		return new(big.Int).Set(floor)
	case TolerancePercent:
		return pct
	default:
		return amount.Max(floor, pct)
	}
}

// Status is the reconciliation outcome recorded on an exception.
type Status string

const (
	StatusPending  Status = "pending"  // signal or reconciliation awaited
	StatusMatched  Status = "matched"  // within tolerance
	StatusOverage  Status = "overage"  // spend exceeded the reservation
	StatusShortage Status = "shortage" // spend fell short of the reservation
	StatusExpired  Status = "expired"  // released by the sweep without a signal
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusMatched, StatusOverage, StatusShortage, StatusExpired:
		return true
	}
	return false
}

// NeedsAttention reports whether an operator should look at the exception.
func (s Status) NeedsAttention() bool {
	return s != StatusMatched
}

// Outcome is the result of comparing reserved and actual amounts.
type Outcome struct {
	Drift     *big.Int // actual - reserved; positive means overspend
	Tolerance *big.Int
	Status    Status
}

// Detector classifies drift.
type Detector struct {
	tolerance Tolerance
}

// NewDetector creates a detector with the given tolerance.
func NewDetector(t Tolerance) *Detector {
	if !t.Mode.Valid() {
		t = DefaultTolerance()
	}
	return &Detector{tolerance: t}
}

// Tolerance returns the configured band.
func (d *Detector) Tolerance() Tolerance { return d.tolerance }

// Compute classifies actual against reserved. It is pure.
func (d *Detector) Compute(reserved, actual *big.Int) Outcome {
	drift := new(big.Int).Sub(actual, reserved)
	tol := d.tolerance.For(reserved)

	status := StatusMatched
	switch {
	case drift.Cmp(tol) > 0:
		status = StatusOverage
	case drift.Cmp(new(big.Int).Neg(tol)) < 0:
		status = StatusShortage
	}
	return Outcome{Drift: drift, Tolerance: tol, Status: status}
}
