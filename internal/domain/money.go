package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Price is a unit or total price in the catalog currency.
type Price = decimal.Decimal

// ParsePrice converts a textual price to a Price. It rejects negative values
// and more than 2 decimal places.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("price must be >= 0")
	}
	if !d.Equal(d.Round(2)) {
		return decimal.Zero, fmt.Errorf("prices must have at most 2 decimal places")
	}
	return d, nil
}

// PriceFromCents builds a Price from an integer number of cents.
func PriceFromCents(c int64) Price {
	return decimal.New(c, -2)
}
