package engine

import (
	"context"

	"github.com/efreitasn/cartcore/internal/domain"
)

// Authority is the remote source of truth for stock and carts. Calls may
// fail, time out, or return data that is already stale; implementations
// wrap failures in domain.ErrNetwork, domain.ErrTimeout, domain.ErrConflict
// or domain.ErrUnauthorized.
type Authority interface {
	FetchStock(ctx context.Context, itemID string) (domain.StockSnapshot, error)
	PostReservation(ctx context.Context, req domain.ReservationRequest) (domain.Confirmation, error)
	FetchCartSnapshot(ctx context.Context, userKey string) (domain.CartSnapshot, error)
	PlaceOrder(ctx context.Context, userKey string) (domain.Order, error)
}
