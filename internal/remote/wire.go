package remote

import (
	"fmt"
	"time"

	"github.com/efreitasn/cartcore/internal/domain"
)

// Wire types of the authority's JSON protocol. The reference authority in
// internal/authority serves the same shapes.

// StockResponse is returned by GET /items/{item_id}/stock.
type StockResponse struct {
	ItemID    string `json:"item_id"`
	Stock     int    `json:"stock"`
	UnitPrice string `json:"unit_price"`
	Version   uint64 `json:"version"`
}

// ReservationRequest is the body of POST /carts/{user_key}/reservations.
type ReservationRequest struct {
	Seq    uint64 `json:"seq"`
	ItemID string `json:"item_id"`
	Kind   string `json:"kind"`
	Delta  int    `json:"delta"`
}

// ConfirmationResponse is the authority's answer to a reservation.
type ConfirmationResponse struct {
	Seq       uint64 `json:"seq"`
	UserKey   string `json:"user_key"`
	ItemID    string `json:"item_id"`
	Stock     int    `json:"stock"`
	Amount    int    `json:"amount"`
	UnitPrice string `json:"unit_price"`
	Version   uint64 `json:"version"`
}

// CartLineResponse is one line of a cart snapshot.
type CartLineResponse struct {
	ItemID    string `json:"item_id"`
	Amount    int    `json:"amount"`
	UnitPrice string `json:"unit_price"`
}

// CartResponse is returned by GET /carts/{user_key}.
type CartResponse struct {
	UserKey string             `json:"user_key"`
	Enabled bool               `json:"enabled"`
	Lines   []CartLineResponse `json:"lines"`
}

// OrderResponse is returned by POST /carts/{user_key}/orders.
type OrderResponse struct {
	OrderID   string             `json:"order_id"`
	UserKey   string             `json:"user_key"`
	Lines     []CartLineResponse `json:"lines"`
	Total     string             `json:"total"`
	CreatedAt string             `json:"created_at"`
}

// ErrorResponse is the error body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// conflictReasons are the error codes the authority sends with 404, 409
// and 422 responses.
var conflictReasons = map[string]error{
	domain.ErrInsufficientStock.Error():  domain.ErrInsufficientStock,
	domain.ErrInsufficientAmount.Error(): domain.ErrInsufficientAmount,
	domain.ErrCartDisabled.Error():       domain.ErrCartDisabled,
	domain.ErrItemDiscontinued.Error():   domain.ErrItemDiscontinued,
	domain.ErrItemNotFound.Error():       domain.ErrItemNotFound,
	domain.ErrEmptyCart.Error():          domain.ErrEmptyCart,
}

// Reason maps a wire error code back to a domain error. It returns nil for
// unknown codes.
func Reason(code string) error {
	return conflictReasons[code]
}

// NewStockResponse converts a snapshot into its wire form.
func NewStockResponse(s domain.StockSnapshot) StockResponse {
	return StockResponse{
		ItemID:    s.ItemID,
		Stock:     s.Stock,
		UnitPrice: s.UnitPrice.StringFixed(2),
		Version:   s.Version,
	}
}

// Snapshot converts the response into a domain.StockSnapshot.
func (r StockResponse) Snapshot() (domain.StockSnapshot, error) {
	price, err := parsePrice(r.UnitPrice)
	if err != nil {
		return domain.StockSnapshot{}, err
	}
	return domain.StockSnapshot{
		ItemID:    r.ItemID,
		Stock:     r.Stock,
		UnitPrice: price,
		Version:   r.Version,
	}, nil
}

// NewConfirmationResponse converts a confirmation into its wire form.
func NewConfirmationResponse(c domain.Confirmation) ConfirmationResponse {
	return ConfirmationResponse{
		Seq:       c.Seq,
		UserKey:   c.UserKey,
		ItemID:    c.ItemID,
		Stock:     c.Stock,
		Amount:    c.Amount,
		UnitPrice: c.UnitPrice.StringFixed(2),
		Version:   c.Version,
	}
}

// Confirmation converts the response into a domain.Confirmation.
func (r ConfirmationResponse) Confirmation() (domain.Confirmation, error) {
	price, err := parsePrice(r.UnitPrice)
	if err != nil {
		return domain.Confirmation{}, err
	}
	return domain.Confirmation{
		Seq:       r.Seq,
		UserKey:   r.UserKey,
		ItemID:    r.ItemID,
		Stock:     r.Stock,
		Amount:    r.Amount,
		UnitPrice: price,
		Version:   r.Version,
	}, nil
}

// NewCartResponse converts a snapshot into its wire form.
func NewCartResponse(s domain.CartSnapshot) CartResponse {
	lines := make([]CartLineResponse, 0, len(s.Lines))
	for _, l := range s.Lines {
		lines = append(lines, CartLineResponse{
			ItemID:    l.ItemID,
			Amount:    l.Amount,
			UnitPrice: l.UnitPrice.StringFixed(2),
		})
	}
	return CartResponse{UserKey: s.UserKey, Enabled: s.Enabled, Lines: lines}
}

// Snapshot converts the response into a domain.CartSnapshot.
func (r CartResponse) Snapshot() (domain.CartSnapshot, error) {
	snap := domain.CartSnapshot{UserKey: r.UserKey, Enabled: r.Enabled}
	for _, l := range r.Lines {
		price, err := parsePrice(l.UnitPrice)
		if err != nil {
			return domain.CartSnapshot{}, err
		}
		snap.Lines = append(snap.Lines, domain.CartLine{
			ItemID:    l.ItemID,
			Amount:    l.Amount,
			UnitPrice: price,
		})
	}
	return snap, nil
}

// NewOrderResponse converts an order into its wire form.
func NewOrderResponse(o domain.Order) OrderResponse {
	lines := make([]CartLineResponse, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, CartLineResponse{
			ItemID:    l.ItemID,
			Amount:    l.Amount,
			UnitPrice: l.UnitPrice.StringFixed(2),
		})
	}
	return OrderResponse{
		OrderID:   o.OrderID,
		UserKey:   o.UserKey,
		Lines:     lines,
		Total:     o.Total.StringFixed(2),
		CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Order converts the response into a domain.Order.
func (r OrderResponse) Order() (domain.Order, error) {
	total, err := parsePrice(r.Total)
	if err != nil {
		return domain.Order{}, err
	}
	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return domain.Order{}, fmt.Errorf("invalid created_at %q: %w", r.CreatedAt, err)
	}
	order := domain.Order{
		OrderID:   r.OrderID,
		UserKey:   r.UserKey,
		Total:     total,
		CreatedAt: createdAt,
	}
	for _, l := range r.Lines {
		price, err := parsePrice(l.UnitPrice)
		if err != nil {
			return domain.Order{}, err
		}
		order.Lines = append(order.Lines, domain.OrderLine{
			ItemID:    l.ItemID,
			Amount:    l.Amount,
			UnitPrice: price,
		})
	}
	return order, nil
}

func parsePrice(s string) (domain.Price, error) {
	if s == "" {
		return domain.Price{}, nil
	}
	return domain.ParsePrice(s)
}
