// Package token provides exact-precision token amount handling using integer
// arithmetic. All financial amounts are carried as Amount, the token's
// smallest unit (for USDC: 1 = 0.000001, i.e. $1.00 = 1_000_000).
package token

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount represents a token amount in atomic units.
type Amount int64

// USDCScale is the number of atomic units per whole USDC token (10^6).
const USDCScale = 1_000_000

// USDCDecimals is the decimal count of the USDC mint.
const USDCDecimals = 6

// SOLDecimals is the decimal count of native SOL (lamports).
const SOLDecimals = 9

// FromFloat converts a human-readable float (e.g. 0.001) to an Amount.
// Uses math.Round to avoid float truncation.
func FromFloat(f float64) Amount {
	return Amount(math.Round(f * USDCScale))
}

// Float returns the human-readable float64 value at USDC scale.
func (a Amount) Float() float64 {
	return float64(a) / USDCScale
}

// Atomic returns the raw smallest-unit integer as a decimal string,
// the format payment requirements carry on the wire.
func (a Amount) Atomic() string {
	return strconv.FormatInt(int64(a), 10)
}

// ParseAtomic parses a decimal string of atomic units.
func ParseAtomic(s string) (Amount, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid atomic amount %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative atomic amount %q", s)
	}
	return Amount(v), nil
}

// String returns a human-readable value with minimum 2 decimal places,
// trailing zeros trimmed beyond that.
// Examples: 1000000 → "1.00", 1000 → "0.001", 1250000 → "1.25"
func (a Amount) String() string {
	negative := a < 0
	var abs uint64
	if negative {
		if a == Amount(math.MinInt64) {
			abs = uint64(math.MaxInt64) + 1
		} else {
			abs = uint64(-int64(a))
		}
	} else {
		abs = uint64(a)
	}

	whole := abs / USDCScale
	frac := abs % USDCScale
	s := fmt.Sprintf("%d.%06d", whole, frac)

	dotIdx := strings.IndexByte(s, '.')
	minKeep := dotIdx + 3 // at least ".XX"
	lastNonZero := len(s) - 1
	for lastNonZero > minKeep-1 && s[lastNonZero] == '0' {
		lastNonZero--
	}
	s = s[:lastNonZero+1]

	if negative {
		return "-" + s
	}
	return s
}

// MarshalJSON outputs the raw integer as a JSON string: "1250000".
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Atomic() + `"`), nil
}

// UnmarshalJSON accepts both a JSON string and a bare number of atomic units.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*a = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	*a = Amount(v)
	return nil
}

// Value implements driver.Valuer so Amount maps to BIGINT columns.
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*a = Amount(v)
	case nil:
		*a = 0
	default:
		return fmt.Errorf("cannot scan %T into token.Amount", src)
	}
	return nil
}
