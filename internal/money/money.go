// Package money defines the shared decimal arithmetic rules used by every
// calculator in the compliance core: round-half-up, four places for hourly
// rates, two places for dollar amounts.
package money

import "github.com/shopspring/decimal"

// FederalMinimumWage is the statutory floor applied to computed regular rates.
var FederalMinimumWage = decimal.RequireFromString("7.25")

// Zero is the canonical zero amount.
var Zero = decimal.Zero

// Round2 rounds a dollar amount to cents, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Round4 rounds an hourly rate to four places, half away from zero.
func Round4(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}

// Percent scales amount by pct/100 and rounds to cents.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round2(amount.Mul(pct).Div(decimal.NewFromInt(100)))
}

// FromString parses a decimal, returning zero on empty input.
func FromString(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// MustParse parses a decimal literal known to be valid at compile time.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
