package gate

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/mbd888/guardrail/internal/amount"
)

var errDeltaRequired = errors.New("projectedMonthlyDeltaAmount is required")

// Delta is a projected monthly cost delta as sent by an admission
// pipeline. Pipelines send numbers, decimal strings and occasionally
// garbage such as "NaN"; all of those decode, and the evaluator decides
// what to do with the non-finite and negative ones.
type Delta struct {
	raw   string
	value float64
	exact *big.Int
}

// UnmarshalJSON accepts a JSON number or string.
func (d *Delta) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return errDeltaRequired
	}
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var numErr *strconv.NumError
		if !errors.As(err, &numErr) || !errors.Is(numErr.Err, strconv.ErrRange) {
			return errors.New("projectedMonthlyDeltaAmount must be a number")
		}
	}
	d.raw, d.value = s, f
	d.exact, _ = amount.Parse(s)
	return nil
}

// MarshalJSON writes the delta as sent.
func (d Delta) MarshalJSON() ([]byte, error) {
	if d.raw == "" {
		return []byte(`"0"`), nil
	}
	return json.Marshal(d.raw)
}

// NewDelta builds a delta from a float.
func NewDelta(f float64) Delta {
	return Delta{raw: strconv.FormatFloat(f, 'f', -1, 64), value: f, exact: exactFloat(f)}
}

func exactFloat(f float64) *big.Int {
	v, ok := amount.FromFloat(f)
	if !ok {
		return nil
	}
	return v
}

// Float returns the delta for policy evaluation.
func (d Delta) Float() float64 { return d.value }

// Amount returns the amount to reserve. Deltas the evaluator normalizes
// (negative or non-finite) reserve nothing.
func (d Delta) Amount() *big.Int {
	if math.IsNaN(d.value) || math.IsInf(d.value, 0) || d.value < 0 {
		return amount.Zero()
	}
	if d.exact != nil {
		return new(big.Int).Set(d.exact)
	}
	if v := exactFloat(d.value); v != nil {
		return v
	}
	return amount.Zero()
}
