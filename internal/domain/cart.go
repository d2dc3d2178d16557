package domain

import "github.com/shopspring/decimal"

// CartLine is one item in a user's cart.
type CartLine struct {
	ItemID       string
	Amount       int // confirmed by the authority
	UnitPrice    Price
	PendingDelta int // sum of unconfirmed deltas
}

// Effective returns the amount including unconfirmed deltas.
func (l CartLine) Effective() int {
	return l.Amount + l.PendingDelta
}

// CartSnapshot is the authority's view of a user's cart.
type CartSnapshot struct {
	UserKey string
	Enabled bool
	Lines   []CartLine
}

// CartSummary backs the navbar badge: item count and running total.
type CartSummary struct {
	TotalItems int
	TotalPrice Price
}

// Summarize computes the summary of a set of lines using effective amounts,
// so the badge reflects optimistic changes.
func Summarize(lines []CartLine) CartSummary {
	total := decimal.Zero
	items := 0
	for _, l := range lines {
		n := l.Effective()
		if n <= 0 {
			continue
		}
		items += n
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(n))))
	}
	return CartSummary{TotalItems: items, TotalPrice: total}
}
