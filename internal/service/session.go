package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/cartcore/internal/domain"
	"github.com/efreitasn/cartcore/internal/engine"
	"github.com/efreitasn/cartcore/internal/store"
)

// seedConcurrency bounds concurrent stock fetches when loading a catalog.
const seedConcurrency = 8

// CartView is a user's cart as shown to views.
type CartView struct {
	UserKey string
	Enabled bool
	Lines   []domain.CartLine
	Summary domain.CartSummary
}

// SessionService drives the coordinator on behalf of views: it seeds the
// ledgers from the authority when a session starts or a listing loads,
// forwards reservations, and places orders.
type SessionService struct {
	coord     *engine.Coordinator
	authority engine.Authority
	stock     *store.StockLedger
	carts     *store.CartStore
	logger    *slog.Logger
}

// NewSessionService creates a new SessionService with the given dependencies.
func NewSessionService(
	coord *engine.Coordinator,
	authority engine.Authority,
	stock *store.StockLedger,
	carts *store.CartStore,
	logger *slog.Logger,
) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		coord:     coord,
		authority: authority,
		stock:     stock,
		carts:     carts,
		logger:    logger,
	}
}

// StartSession loads the user's cart from the authority and seeds stock for
// every item in it.
func (s *SessionService) StartSession(ctx context.Context, userKey string) (CartView, error) {
	if userKey == "" {
		return CartView{}, &domain.ValidationError{Message: "user key is required"}
	}
	if err := s.coord.RefreshCart(ctx, userKey); err != nil {
		return CartView{}, fmt.Errorf("load cart: %w", err)
	}

	lines := s.carts.Snapshot(userKey)
	items := make([]string, 0, len(lines))
	for _, l := range lines {
		items = append(items, l.ItemID)
	}
	if err := s.LoadCatalog(ctx, items); err != nil {
		return CartView{}, err
	}

	s.logger.Info("session started",
		slog.String("user_key", userKey),
		slog.Int("lines", len(lines)),
	)
	return s.Cart(userKey), nil
}

// EndSession discards the user's local cart (logout or cart reset).
func (s *SessionService) EndSession(userKey string) error {
	if userKey == "" {
		return &domain.ValidationError{Message: "user key is required"}
	}
	s.coord.EndSession(userKey)
	return nil
}

// LoadCatalog seeds stock for the given items concurrently. Items already
// known are skipped.
func (s *SessionService) LoadCatalog(ctx context.Context, itemIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(seedConcurrency)
	for _, itemID := range itemIDs {
		if _, known := s.stock.Get(itemID); known {
			continue
		}
		g.Go(func() error {
			if err := s.coord.RefreshStock(ctx, itemID); err != nil {
				return fmt.Errorf("seed %s: %w", itemID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stock returns an item's effective stock, seeding it first if needed.
func (s *SessionService) Stock(ctx context.Context, itemID string) (int, error) {
	if itemID == "" {
		return 0, &domain.ValidationError{Message: "item id is required"}
	}
	if err := s.ensureStock(ctx, itemID); err != nil {
		return 0, err
	}
	n, _ := s.stock.Get(itemID)
	return n, nil
}

// ensureStock seeds an unknown item. An item the authority does not sell is
// reported as a Conflict wrapping domain.ErrItemNotFound.
func (s *SessionService) ensureStock(ctx context.Context, itemID string) error {
	if _, known := s.stock.Get(itemID); known {
		return nil
	}
	if err := s.coord.RefreshStock(ctx, itemID); err != nil {
		return err
	}
	if _, known := s.stock.Get(itemID); !known {
		return fmt.Errorf("%w: %w", domain.ErrConflict, domain.ErrItemNotFound)
	}
	return nil
}

// Reserve adds amount of an item to the user's cart and waits for the
// outcome. Giving up on ctx leaves the reservation running.
func (s *SessionService) Reserve(ctx context.Context, userKey, itemID string, amount int) (engine.Outcome, error) {
	if itemID != "" {
		if err := s.ensureStock(ctx, itemID); err != nil {
			return engine.Outcome{}, err
		}
	}
	return engine.Await(ctx, s.coord.Reserve(userKey, itemID, amount))
}

// Release removes amount of an item from the user's cart and waits for the
// outcome.
func (s *SessionService) Release(ctx context.Context, userKey, itemID string, amount int) (engine.Outcome, error) {
	return engine.Await(ctx, s.coord.Release(userKey, itemID, amount))
}

// Cart returns the user's cart with effective amounts and its summary.
func (s *SessionService) Cart(userKey string) CartView {
	lines := s.carts.Snapshot(userKey)
	return CartView{
		UserKey: userKey,
		Enabled: s.carts.Enabled(userKey),
		Lines:   lines,
		Summary: domain.Summarize(lines),
	}
}

// Summary returns the user's cart summary.
func (s *SessionService) Summary(userKey string) domain.CartSummary {
	return domain.Summarize(s.carts.Snapshot(userKey))
}

// Checkout places an order from the user's cart. It is refused while any of
// the user's reservations are unsettled.
func (s *SessionService) Checkout(ctx context.Context, userKey string) (domain.Order, error) {
	if userKey == "" {
		return domain.Order{}, &domain.ValidationError{Message: "user key is required"}
	}
	if s.coord.HasPending(userKey) || s.carts.HasPending(userKey) {
		return domain.Order{}, domain.ErrOperationsPending
	}
	if s.Summary(userKey).TotalItems == 0 {
		return domain.Order{}, domain.ErrEmptyCart
	}

	order, err := s.authority.PlaceOrder(ctx, userKey)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			if rErr := s.coord.RefreshCart(ctx, userKey); rErr != nil {
				s.logger.Warn("cart refresh after rejected order failed",
					slog.String("user_key", userKey),
					slog.String("error", rErr.Error()),
				)
			}
		}
		return domain.Order{}, err
	}

	if err := s.coord.RefreshCart(ctx, userKey); err != nil {
		s.logger.Warn("cart refresh after order failed",
			slog.String("user_key", userKey),
			slog.String("error", err.Error()),
		)
		s.carts.Replace(domain.CartSnapshot{UserKey: userKey, Enabled: s.carts.Enabled(userKey)})
	}
	s.logger.Info("order placed",
		slog.String("user_key", userKey),
		slog.String("order_id", order.OrderID),
		slog.String("total", order.Total.StringFixed(2)),
	)
	return order, nil
}
