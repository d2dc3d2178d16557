package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/efreitasn/cartcore/internal/bus"
	"github.com/efreitasn/cartcore/internal/domain"
)

// cartLine is the mutable state behind one domain.CartLine.
type cartLine struct {
	itemID     string
	amount     int
	unitPrice  domain.Price
	pending    map[uint64]int // operation seq → delta
	pendingSum int
}

func (l *cartLine) effective() int {
	return l.amount + l.pendingSum
}

// idle reports whether the line carries nothing worth keeping.
func (l *cartLine) idle() bool {
	return l.amount == 0 && len(l.pending) == 0
}

func (l *cartLine) view() domain.CartLine {
	return domain.CartLine{
		ItemID:       l.itemID,
		Amount:       l.amount,
		UnitPrice:    l.unitPrice,
		PendingDelta: l.pendingSum,
	}
}

func lineLess(a, b *cartLine) bool {
	return a.itemID < b.itemID
}

// userCart holds one user's lines ordered by item id. A discarded cart is
// no longer reachable from the store and never publishes again.
type userCart struct {
	mu        sync.Mutex
	lines     *btree.BTreeG[*cartLine]
	enabled   bool
	discarded bool
}

func newUserCart() *userCart {
	const degree = 8
	return &userCart{
		lines:   btree.NewG[*cartLine](degree, lineLess),
		enabled: true,
	}
}

func (c *userCart) line(itemID string) (*cartLine, bool) {
	return c.lines.Get(&cartLine{itemID: itemID})
}

func (c *userCart) lineOrCreate(itemID string) *cartLine {
	if l, ok := c.line(itemID); ok {
		return l
	}
	l := &cartLine{itemID: itemID, pending: make(map[uint64]int)}
	c.lines.ReplaceOrInsert(l)
	return l
}

func (c *userCart) dropIfIdle(l *cartLine) {
	if l.idle() {
		c.lines.Delete(l)
	}
}

func (c *userCart) snapshot() []domain.CartLine {
	out := make([]domain.CartLine, 0, c.lines.Len())
	c.lines.Ascend(func(l *cartLine) bool {
		out = append(out, l.view())
		return true
	})
	return out
}

// CartStore caches each user's cart lines plus unconfirmed deltas. Every
// mutation publishes the user's full cart, and its summary, while the
// user's cart lock is held.
type CartStore struct {
	mu        sync.RWMutex
	carts     map[string]*userCart
	lines     *bus.Bus[[]domain.CartLine]
	summaries *bus.Bus[domain.CartSummary]
	rev       atomic.Uint64
}

// NewCartStore creates an empty CartStore. summaries may be nil.
func NewCartStore(lines *bus.Bus[[]domain.CartLine], summaries *bus.Bus[domain.CartSummary]) *CartStore {
	return &CartStore{
		carts:     make(map[string]*userCart),
		lines:     lines,
		summaries: summaries,
	}
}

func cartKey(userKey string) bus.Key {
	return bus.Key{Entity: bus.EntityCart, ID: userKey}
}

func summaryKey(userKey string) bus.Key {
	return bus.Key{Entity: bus.EntityCartSummary, ID: userKey}
}

func (s *CartStore) get(userKey string) (*userCart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[userKey]
	return c, ok
}

func (s *CartStore) getOrCreate(userKey string) *userCart {
	if c, ok := s.get(userKey); ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.carts[userKey]; ok {
		return c
	}
	c := newUserCart()
	s.carts[userKey] = c
	return c
}

// publish must be called with c.mu held.
func (s *CartStore) publish(userKey string, c *userCart) {
	if c.discarded {
		return
	}
	lines := c.snapshot()
	rev := s.rev.Add(1)
	s.lines.Publish(cartKey(userKey), lines, rev)
	if s.summaries != nil {
		s.summaries.Publish(summaryKey(userKey), domain.Summarize(lines), rev)
	}
}

// Amount returns the effective amount of an item in a user's cart.
func (s *CartStore) Amount(userKey, itemID string) int {
	c, ok := s.get(userKey)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.line(itemID)
	if !ok {
		return 0
	}
	return l.effective()
}

// Line returns a copy of one cart line.
func (s *CartStore) Line(userKey, itemID string) (domain.CartLine, bool) {
	c, ok := s.get(userKey)
	if !ok {
		return domain.CartLine{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.line(itemID)
	if !ok {
		return domain.CartLine{}, false
	}
	return l.view(), true
}

// Snapshot returns the user's lines ordered by item id.
func (s *CartStore) Snapshot(userKey string) []domain.CartLine {
	c, ok := s.get(userKey)
	if !ok {
		return []domain.CartLine{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Enabled reports whether the authority last reported the cart as enabled.
// Unknown carts are enabled.
func (s *CartStore) Enabled(userKey string) bool {
	c, ok := s.get(userKey)
	if !ok {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// HasPending reports whether any line of the user's cart holds an
// unconfirmed delta.
func (s *CartStore) HasPending(userKey string) bool {
	c, ok := s.get(userKey)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := false
	c.lines.Ascend(func(l *cartLine) bool {
		pending = len(l.pending) > 0
		return !pending
	})
	return pending
}

// TryApplyDelta records delta for operation seq if the resulting amount
// stays non-negative. Releasing more than the cart holds is rejected, never
// clamped.
func (s *CartStore) TryApplyDelta(userKey, itemID string, seq uint64, delta int) error {
	c := s.getOrCreate(userKey)
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.lineOrCreate(itemID)
	if _, dup := l.pending[seq]; dup {
		return fmt.Errorf("cart %s/%s already holds op %d: %w", userKey, itemID, seq, domain.ErrLedgerInvariant)
	}
	if l.effective()+delta < 0 {
		c.dropIfIdle(l)
		return domain.ErrInsufficientAmount
	}
	l.pending[seq] = delta
	l.pendingSum += delta
	s.publish(userKey, c)
	return nil
}

// Rollback reverses exactly the delta recorded for seq.
func (s *CartStore) Rollback(userKey, itemID string, seq uint64) error {
	c, ok := s.get(userKey)
	if !ok {
		return fmt.Errorf("rollback op %d on unknown cart %s: %w", seq, userKey, domain.ErrLedgerInvariant)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.line(itemID)
	if !ok {
		return fmt.Errorf("rollback op %d: no line %s/%s: %w", seq, userKey, itemID, domain.ErrLedgerInvariant)
	}
	delta, ok := l.pending[seq]
	if !ok {
		return fmt.Errorf("rollback op %d: no pending delta on %s/%s: %w", seq, userKey, itemID, domain.ErrLedgerInvariant)
	}
	delete(l.pending, seq)
	l.pendingSum -= delta
	c.dropIfIdle(l)
	s.publish(userKey, c)
	return nil
}

// Reconcile settles operation seq with the authority's confirmed line.
// A zero unitPrice keeps the cached price.
func (s *CartStore) Reconcile(userKey, itemID string, amount int, unitPrice domain.Price, seq uint64) error {
	if amount < 0 {
		return fmt.Errorf("reconcile %s/%s with amount %d: %w", userKey, itemID, amount, domain.ErrLedgerInvariant)
	}
	c, ok := s.get(userKey)
	if !ok {
		return fmt.Errorf("reconcile op %d on unknown cart %s: %w", seq, userKey, domain.ErrLedgerInvariant)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.line(itemID)
	if !ok {
		return fmt.Errorf("reconcile op %d: no line %s/%s: %w", seq, userKey, itemID, domain.ErrLedgerInvariant)
	}
	delta, ok := l.pending[seq]
	if !ok {
		return fmt.Errorf("reconcile op %d: no pending delta on %s/%s: %w", seq, userKey, itemID, domain.ErrLedgerInvariant)
	}
	delete(l.pending, seq)
	l.pendingSum -= delta
	l.amount = amount
	if !unitPrice.IsZero() {
		l.unitPrice = unitPrice
	}
	c.dropIfIdle(l)
	s.publish(userKey, c)
	return nil
}

// Replace installs an authoritative cart snapshot. Confirmed amounts and
// prices are overwritten; pending deltas survive. Lines missing from the
// snapshot are confirmed at zero.
func (s *CartStore) Replace(snap domain.CartSnapshot) {
	c := s.getOrCreate(snap.UserKey)
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(snap.Lines))
	for _, in := range snap.Lines {
		seen[in.ItemID] = true
		l := c.lineOrCreate(in.ItemID)
		l.amount = max(in.Amount, 0)
		l.unitPrice = in.UnitPrice
		c.dropIfIdle(l)
	}

	var stale []*cartLine
	c.lines.Ascend(func(l *cartLine) bool {
		if !seen[l.itemID] {
			stale = append(stale, l)
		}
		return true
	})
	for _, l := range stale {
		l.amount = 0
		c.dropIfIdle(l)
	}

	c.enabled = snap.Enabled
	s.publish(snap.UserKey, c)
}

// Reset discards the user's cart (logout, cart reset) and publishes an
// empty cart. Mutations still holding the old cart apply to it unseen.
func (s *CartStore) Reset(userKey string) {
	s.mu.Lock()
	c, ok := s.carts[userKey]
	delete(s.carts, userKey)
	s.mu.Unlock()

	if ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.discarded = true
	}
	rev := s.rev.Add(1)
	s.lines.Publish(cartKey(userKey), []domain.CartLine{}, rev)
	if s.summaries != nil {
		s.summaries.Publish(summaryKey(userKey), domain.Summarize(nil), rev)
	}
}

// RemoveItem drops an item removed from the catalog from every cart.
func (s *CartStore) RemoveItem(itemID string) {
	s.mu.RLock()
	users := make(map[string]*userCart, len(s.carts))
	for u, c := range s.carts {
		users[u] = c
	}
	s.mu.RUnlock()

	for userKey, c := range users {
		c.mu.Lock()
		if l, ok := c.line(itemID); ok {
			c.lines.Delete(l)
			s.publish(userKey, c)
		}
		c.mu.Unlock()
	}
}

// Observe subscribes to a user's cart lines.
func (s *CartStore) Observe(userKey string) *bus.Subscription[[]domain.CartLine] {
	return s.lines.Subscribe(cartKey(userKey))
}

// ObserveSummary subscribes to a user's cart summary. It returns nil when
// the store was created without a summary bus.
func (s *CartStore) ObserveSummary(userKey string) *bus.Subscription[domain.CartSummary] {
	if s.summaries == nil {
		return nil
	}
	return s.summaries.Subscribe(summaryKey(userKey))
}
