// Package money provides exact monetary amounts in minor units.
package money

import (
	"fmt"
	"math"
)

// Currency is an ISO 4217 currency code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
)

// minorUnits maps currencies to their number of decimal places.
// Currencies not listed default to 2.
var minorUnits = map[Currency]int{
	USD: 2,
	EUR: 2,
	GBP: 2,
	JPY: 0,
}

// MinorUnits returns the number of decimal places for a currency.
func MinorUnits(c Currency) int {
	if n, ok := minorUnits[c]; ok {
		return n
	}
	return 2
}

// Money is a monetary amount in minor units (cents, pence, ...).
// All comparisons are exact integer comparisons; no floating-point
// representation enters the arithmetic.
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a Money value from minor units.
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative reports whether the amount is less than zero.
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Equal reports exact equality of amount and currency.
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// Add returns m + other. The currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub returns m - other. The currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// MustSub subtracts two amounts, panicking on currency mismatch.
func (m Money) MustSub(other Money) Money {
	result, err := m.Sub(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Compare returns -1, 0, or 1. The currencies must match.
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	}
	return 0, nil
}

// ToMajor converts to major units as a float. Display only; never
// feed the result back into arithmetic or comparisons.
func (m Money) ToMajor() float64 {
	divisor := math.Pow(10, float64(MinorUnits(m.Currency)))
	return float64(m.AmountMinor) / divisor
}

// String returns a human-readable representation.
func (m Money) String() string {
	format := fmt.Sprintf("%%.%df %%s", MinorUnits(m.Currency))
	return fmt.Sprintf(format, m.ToMajor(), m.Currency)
}
