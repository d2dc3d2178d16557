package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/efreitasn/cartcore/internal/domain"
)

// Service validates requests and turns store rejections into Conflict
// errors. It satisfies engine.Authority, so the core can run against it in
// process.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a Service on store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// rejection wraps a business rejection in ErrConflict. Other errors pass
// through unchanged.
func rejection(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInsufficientAmount),
		errors.Is(err, domain.ErrCartDisabled),
		errors.Is(err, domain.ErrItemDiscontinued),
		errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrEmptyCart):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	default:
		return err
	}
}

func requireKey(name, v string) error {
	if v == "" {
		return &domain.ValidationError{Message: name + " is required"}
	}
	return nil
}

// FetchStock returns an item's stock. Discontinued items are reported as
// a Conflict wrapping domain.ErrItemDiscontinued.
func (s *Service) FetchStock(ctx context.Context, itemID string) (domain.StockSnapshot, error) {
	if err := requireKey("item_id", itemID); err != nil {
		return domain.StockSnapshot{}, err
	}
	it, err := s.store.Item(ctx, itemID)
	if err != nil {
		return domain.StockSnapshot{}, rejection(err)
	}
	if it.Discontinued {
		return domain.StockSnapshot{}, rejection(domain.ErrItemDiscontinued)
	}
	return domain.StockSnapshot{
		ItemID:    it.ItemID,
		Stock:     it.Stock,
		UnitPrice: it.UnitPrice,
		Version:   it.Version,
	}, nil
}

// PostReservation applies one reservation. Replays of an already applied
// (user, seq) return the recorded confirmation.
func (s *Service) PostReservation(ctx context.Context, req domain.ReservationRequest) (domain.Confirmation, error) {
	if err := requireKey("user_key", req.UserKey); err != nil {
		return domain.Confirmation{}, err
	}
	if err := requireKey("item_id", req.ItemID); err != nil {
		return domain.Confirmation{}, err
	}
	if req.Seq == 0 {
		return domain.Confirmation{}, &domain.ValidationError{Message: "seq must be positive"}
	}
	switch {
	case req.Kind == domain.KindAdd && req.Delta > 0:
	case req.Kind == domain.KindRemove && req.Delta < 0:
	default:
		return domain.Confirmation{}, &domain.ValidationError{
			Message: fmt.Sprintf("delta %d does not match kind %q", req.Delta, req.Kind),
		}
	}

	conf, err := s.store.Reserve(ctx, req)
	if err != nil {
		s.logger.Info("reservation rejected",
			slog.String("user_key", req.UserKey),
			slog.String("item_id", req.ItemID),
			slog.Uint64("seq", req.Seq),
			slog.String("reason", err.Error()),
		)
		return domain.Confirmation{}, rejection(err)
	}
	s.logger.Debug("reservation applied",
		slog.String("user_key", req.UserKey),
		slog.String("item_id", req.ItemID),
		slog.Uint64("seq", req.Seq),
		slog.Int("stock", conf.Stock),
		slog.Int("amount", conf.Amount),
	)
	return conf, nil
}

// FetchCartSnapshot returns the user's cart.
func (s *Service) FetchCartSnapshot(ctx context.Context, userKey string) (domain.CartSnapshot, error) {
	if err := requireKey("user_key", userKey); err != nil {
		return domain.CartSnapshot{}, err
	}
	return s.store.Cart(ctx, userKey)
}

// PlaceOrder creates an order from the user's cart.
func (s *Service) PlaceOrder(ctx context.Context, userKey string) (domain.Order, error) {
	if err := requireKey("user_key", userKey); err != nil {
		return domain.Order{}, err
	}
	order, err := s.store.PlaceOrder(ctx, userKey)
	if err != nil {
		return domain.Order{}, rejection(err)
	}
	s.logger.Info("order placed",
		slog.String("order_id", order.OrderID),
		slog.String("user_key", userKey),
		slog.String("total", order.Total.StringFixed(2)),
	)
	return order, nil
}

// Order returns a placed order.
func (s *Service) Order(ctx context.Context, orderID string) (domain.Order, error) {
	if err := requireKey("order_id", orderID); err != nil {
		return domain.Order{}, err
	}
	return s.store.Order(ctx, orderID)
}

// PutItem restocks or reprices an item.
func (s *Service) PutItem(ctx context.Context, itemID string, stock int, unitPrice domain.Price) (Item, error) {
	if err := requireKey("item_id", itemID); err != nil {
		return Item{}, err
	}
	if stock < 0 {
		return Item{}, &domain.ValidationError{Message: "stock must be >= 0"}
	}
	if unitPrice.IsNegative() {
		return Item{}, &domain.ValidationError{Message: "unit_price must be >= 0"}
	}
	it, err := s.store.PutItem(ctx, itemID, stock, unitPrice)
	if err != nil {
		return Item{}, err
	}
	s.logger.Info("item updated",
		slog.String("item_id", itemID),
		slog.Int("stock", it.Stock),
		slog.Uint64("version", it.Version),
	)
	return it, nil
}

// Discontinue removes an item from sale.
func (s *Service) Discontinue(ctx context.Context, itemID string) error {
	if err := requireKey("item_id", itemID); err != nil {
		return err
	}
	if err := s.store.Discontinue(ctx, itemID); err != nil {
		return err
	}
	s.logger.Info("item discontinued", slog.String("item_id", itemID))
	return nil
}

// SetCartEnabled enables or disables a user's cart.
func (s *Service) SetCartEnabled(ctx context.Context, userKey string, enabled bool) error {
	if err := requireKey("user_key", userKey); err != nil {
		return err
	}
	if err := s.store.SetCartEnabled(ctx, userKey, enabled); err != nil {
		return err
	}
	s.logger.Info("cart status changed",
		slog.String("user_key", userKey),
		slog.Bool("enabled", enabled),
	)
	return nil
}
