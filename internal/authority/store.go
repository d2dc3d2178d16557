// Package authority is a reference implementation of the authoritative
// inventory and cart store the core reconciles against.
package authority

import (
	"context"
	"time"

	"github.com/efreitasn/cartcore/internal/domain"
)

// Item is the authoritative record of one catalog item.
type Item struct {
	ItemID       string
	Stock        int
	UnitPrice    domain.Price
	Version      uint64 // bumped on every stock change
	Discontinued bool
	UpdatedAt    time.Time
}

// Store persists items, carts, reservation replies, and orders.
//
// Reserve must be atomic per item and idempotent per (user, seq): a replayed
// request returns the recorded confirmation without applying it again.
type Store interface {
	Item(ctx context.Context, itemID string) (Item, error)
	PutItem(ctx context.Context, itemID string, stock int, unitPrice domain.Price) (Item, error)
	Discontinue(ctx context.Context, itemID string) error
	Cart(ctx context.Context, userKey string) (domain.CartSnapshot, error)
	SetCartEnabled(ctx context.Context, userKey string, enabled bool) error
	Reserve(ctx context.Context, req domain.ReservationRequest) (domain.Confirmation, error)
	PlaceOrder(ctx context.Context, userKey string) (domain.Order, error)
	Order(ctx context.Context, orderID string) (domain.Order, error)
}
