package game

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Multiplier is a payout multiplier in hundredths: 150 means 1.50x.
type Multiplier int64

const (
	MIN_MULTIPLIER Multiplier = 100
	MAX_MULTIPLIER Multiplier = 100_000_000 // 1,000,000.00x
)

// ParseMultiplier reads a decimal such as "2.5" or "2.31x" and floors it to
// hundredths. It accepts what String writes.
func ParseMultiplier(s string) (Multiplier, error) {
	d, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(s), "x"))
	if err != nil {
		return 0, fmt.Errorf("parse multiplier %q: %w", s, err)
	}
	return MultiplierFromDecimal(d), nil
}

func MultiplierFromDecimal(d decimal.Decimal) Multiplier {
	return Multiplier(d.Shift(2).Floor().IntPart())
}

func (m Multiplier) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

func (m Multiplier) String() string {
	return m.Decimal().StringFixed(2) + "x"
}

// MarshalJSON writes the multiplier as a plain number with two decimals.
func (m Multiplier) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal().StringFixed(2)), nil
}

// UnmarshalJSON accepts numbers or quoted decimals ("2.00").
func (m *Multiplier) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*m = MultiplierFromDecimal(d)
	return nil
}

// Payout is floor(amount × m / 100) in minor units.
func Payout(amount int64, m Multiplier) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(m))).
		Shift(-2).
		Floor().
		IntPart()
}
