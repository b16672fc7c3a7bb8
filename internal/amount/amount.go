// Package amount provides fixed-point money parsing, formatting and
// arithmetic helpers.
//
// Amounts carry 6 decimal places. They are stored as decimal strings
// ("12.500000") and computed as big.Int in micro-units
// (1.00 = 1,000,000 units).
package amount

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

const Decimals = 6

// unit is 10^Decimals.
var unit = big.NewInt(1_000_000)

// Zero returns a fresh zero amount.
func Zero() *big.Int {
	return new(big.Int)
}

// Parse converts a non-negative decimal string (e.g. "1.50") to micro-units
// (1500000). Returns (nil, false) on invalid or negative input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "-") {
		return nil, false
	}
	return ParseSigned(s)
}

// ParseSigned is Parse but accepts a leading minus sign. Drift amounts are
// signed.
func ParseSigned(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, false
		}
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := ParseSigned(s)
	if !ok {
		panic("amount: invalid amount " + strconv.Quote(s))
	}
	return v
}

// Format converts micro-units to a decimal string with exactly 6 decimal
// places (e.g. "1.500000"). Negative values keep their sign.
func Format(v *big.Int) string {
	if v == nil {
		return "0.000000"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// FromFloat converts a float dollar amount to micro-units, rounding to the
// nearest unit. NaN, infinities and negative values yield (0, false).
func FromFloat(f float64) (*big.Int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return big.NewInt(0), false
	}
	v, ok := Parse(strconv.FormatFloat(f, 'f', Decimals, 64))
	if !ok {
		return big.NewInt(0), false
	}
	return v, true
}

// ToFloat converts micro-units to a float dollar amount. Precision loss is
// acceptable only for display and threshold comparison.
func ToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(v, unit).Float64()
	return f
}

// Abs returns |v| as a new value.
func Abs(v *big.Int) *big.Int {
	return new(big.Int).Abs(v)
}

// Min returns the smaller of a and b as a new value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns the larger of a and b as a new value.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// BasisPoints returns v * bps / 10000, rounded half up.
func BasisPoints(v *big.Int, bps int64) *big.Int {
	n := new(big.Int).Mul(v, big.NewInt(bps))
	n.Add(n, big.NewInt(5_000))
	return n.Quo(n, big.NewInt(10_000))
}

// Sum adds all values into a new big.Int.
func Sum(vs ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, v := range vs {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Normalize reformats a decimal string, mapping invalid input to "0.000000".
func Normalize(s string) string {
	v, ok := ParseSigned(s)
	if !ok {
		return Format(nil)
	}
	return Format(v)
}

// FromJSON reads a non-negative amount from a JSON string or number. null
// or absent yields nil.
func FromJSON(raw []byte) (*big.Int, error) {
	return fromJSON(raw, Parse)
}

// SignedFromJSON is FromJSON for amounts that may be negative, such as a
// change that lowered spend.
func SignedFromJSON(raw []byte) (*big.Int, error) {
	return fromJSON(raw, ParseSigned)
}

func fromJSON(raw []byte, parse func(string) (*big.Int, bool)) (*big.Int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %s", s)
		}
		s = unq
	}
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, ok := parse(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
