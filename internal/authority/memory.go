package authority

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cartcore/internal/domain"
)

type replyKey struct {
	userKey string
	seq     uint64
}

type memoryCart struct {
	enabled bool
	lines   map[string]int
}

// MemoryStore is an in-memory Store. A single mutex makes every operation
// atomic.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]*Item
	carts   map[string]*memoryCart
	replies map[replyKey]domain.Confirmation
	orders  map[string]domain.Order
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*Item),
		carts:   make(map[string]*memoryCart),
		replies: make(map[replyKey]domain.Confirmation),
		orders:  make(map[string]domain.Order),
		now:     time.Now,
	}
}

func (s *MemoryStore) cart(userKey string) *memoryCart {
	c, ok := s.carts[userKey]
	if !ok {
		c = &memoryCart{enabled: true, lines: make(map[string]int)}
		s.carts[userKey] = c
	}
	return c
}

// Item returns an item, discontinued or not.
func (s *MemoryStore) Item(_ context.Context, itemID string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return Item{}, domain.ErrItemNotFound
	}
	return *it, nil
}

// PutItem creates an item or sets its stock and price. A discontinued item
// is brought back into the catalog.
func (s *MemoryStore) PutItem(_ context.Context, itemID string, stock int, unitPrice domain.Price) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemID]
	if !ok {
		it = &Item{ItemID: itemID}
		s.items[itemID] = it
	}
	it.Stock = stock
	it.UnitPrice = unitPrice
	it.Discontinued = false
	it.Version++
	it.UpdatedAt = s.now()
	return *it, nil
}

// Discontinue removes an item from sale.
func (s *MemoryStore) Discontinue(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return domain.ErrItemNotFound
	}
	it.Discontinued = true
	it.Version++
	it.UpdatedAt = s.now()
	return nil
}

// Cart returns the user's cart. Unknown users have an empty, enabled cart.
func (s *MemoryStore) Cart(_ context.Context, userKey string) (domain.CartSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.CartSnapshot{UserKey: userKey, Enabled: true}
	c, ok := s.carts[userKey]
	if !ok {
		return snap, nil
	}
	snap.Enabled = c.enabled
	for itemID, amount := range c.lines {
		line := domain.CartLine{ItemID: itemID, Amount: amount}
		if it, ok := s.items[itemID]; ok {
			line.UnitPrice = it.UnitPrice
		}
		snap.Lines = append(snap.Lines, line)
	}
	sort.Slice(snap.Lines, func(i, j int) bool { return snap.Lines[i].ItemID < snap.Lines[j].ItemID })
	return snap, nil
}

// SetCartEnabled enables or disables a user's cart.
func (s *MemoryStore) SetCartEnabled(_ context.Context, userKey string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart(userKey).enabled = enabled
	return nil
}

// Reserve applies a cart delta against the item's stock.
func (s *MemoryStore) Reserve(_ context.Context, req domain.ReservationRequest) (domain.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rk := replyKey{userKey: req.UserKey, seq: req.Seq}
	if conf, ok := s.replies[rk]; ok {
		return conf, nil
	}

	it, ok := s.items[req.ItemID]
	if !ok {
		return domain.Confirmation{}, domain.ErrItemNotFound
	}
	if it.Discontinued {
		return domain.Confirmation{}, domain.ErrItemDiscontinued
	}
	c := s.cart(req.UserKey)
	if !c.enabled {
		return domain.Confirmation{}, domain.ErrCartDisabled
	}
	if err := checkDelta(it.Stock, c.lines[req.ItemID], req.Delta); err != nil {
		return domain.Confirmation{}, err
	}

	it.Stock -= req.Delta
	it.Version++
	it.UpdatedAt = s.now()
	amount := c.lines[req.ItemID] + req.Delta
	if amount == 0 {
		delete(c.lines, req.ItemID)
	} else {
		c.lines[req.ItemID] = amount
	}

	conf := domain.Confirmation{
		Seq:       req.Seq,
		UserKey:   req.UserKey,
		ItemID:    req.ItemID,
		Stock:     it.Stock,
		Amount:    amount,
		UnitPrice: it.UnitPrice,
		Version:   it.Version,
	}
	s.replies[rk] = conf
	return conf, nil
}

// checkDelta rejects a delta the item's stock or the cart line cannot
// absorb.
func checkDelta(stock, amount, delta int) error {
	if delta > 0 && stock < delta {
		return domain.ErrInsufficientStock
	}
	if delta < 0 && amount < -delta {
		return domain.ErrInsufficientAmount
	}
	return nil
}

// PlaceOrder turns the user's cart into an order and empties the cart.
// Stock was already taken when the items were reserved.
func (s *MemoryStore) PlaceOrder(_ context.Context, userKey string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[userKey]
	if !ok || len(c.lines) == 0 {
		return domain.Order{}, domain.ErrEmptyCart
	}
	if !c.enabled {
		return domain.Order{}, domain.ErrCartDisabled
	}

	order := domain.Order{
		OrderID:   uuid.New().String(),
		UserKey:   userKey,
		Total:     decimal.Zero,
		CreatedAt: s.now(),
	}
	for itemID, amount := range c.lines {
		it, ok := s.items[itemID]
		if !ok || it.Discontinued {
			return domain.Order{}, fmt.Errorf("item %s: %w", itemID, domain.ErrItemDiscontinued)
		}
		order.Lines = append(order.Lines, domain.OrderLine{ItemID: itemID, Amount: amount, UnitPrice: it.UnitPrice})
		order.Total = order.Total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(amount))))
	}
	sort.Slice(order.Lines, func(i, j int) bool { return order.Lines[i].ItemID < order.Lines[j].ItemID })

	c.lines = make(map[string]int)
	s.orders[order.OrderID] = order
	return order, nil
}

// Order returns a placed order.
func (s *MemoryStore) Order(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}
