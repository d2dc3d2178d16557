package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/efreitasn/cartcore/internal/bus"
	"github.com/efreitasn/cartcore/internal/domain"
)

// stockEntry is the mutable state behind one StockRecord.
type stockEntry struct {
	mu            sync.Mutex
	seeded        bool
	authoritative int
	pending       map[uint64]int // operation seq → delta
	pendingSum    int
	lastServerSeq uint64
}

func (e *stockEntry) effective() int {
	return e.authoritative + e.pendingSum
}

// StockLedger caches authoritative stock per catalog item together with the
// deltas of reservations the authority has not confirmed yet. Every
// mutation publishes the new effective stock on the bus while the item's
// lock is held, so observers never see an intermediate state.
type StockLedger struct {
	mu      sync.RWMutex
	records map[string]*stockEntry
	bus     *bus.Bus[int]
	rev     atomic.Uint64
}

// NewStockLedger creates an empty StockLedger publishing on b.
func NewStockLedger(b *bus.Bus[int]) *StockLedger {
	return &StockLedger{
		records: make(map[string]*stockEntry),
		bus:     b,
	}
}

func stockKey(itemID string) bus.Key {
	return bus.Key{Entity: bus.EntityStock, ID: itemID}
}

func (l *StockLedger) get(itemID string) (*stockEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.records[itemID]
	return e, ok
}

func (l *StockLedger) getOrCreate(itemID string) *stockEntry {
	if e, ok := l.get(itemID); ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.records[itemID]; ok {
		return e
	}
	e := &stockEntry{pending: make(map[uint64]int)}
	l.records[itemID] = e
	return e
}

// publish must be called with e.mu held. Effective stock is floored at zero
// for observers: it can only dip below when an authoritative refresh already
// includes reservations that are still pending locally.
func (l *StockLedger) publish(itemID string, e *stockEntry) {
	l.bus.Publish(stockKey(itemID), max(e.effective(), 0), l.rev.Add(1))
}

// Get returns the effective stock for an item. known is false when the item
// has never been seeded.
func (l *StockLedger) Get(itemID string) (effective int, known bool) {
	e, ok := l.get(itemID)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded {
		return 0, false
	}
	return max(e.effective(), 0), true
}

// Record returns a copy of the item's record.
func (l *StockLedger) Record(itemID string) (domain.StockRecord, bool) {
	e, ok := l.get(itemID)
	if !ok {
		return domain.StockRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded {
		return domain.StockRecord{}, false
	}
	return domain.StockRecord{
		ItemID:             itemID,
		AuthoritativeStock: e.authoritative,
		PendingDelta:       e.pendingSum,
		LastServerSeq:      e.lastServerSeq,
	}, true
}

// Seed stores a fresh authoritative read. Pending deltas survive, so
// in-flight optimism is not lost to a concurrent catalog refresh. A non-zero
// version older than the last one applied is ignored.
func (l *StockLedger) Seed(itemID string, stock int, version uint64) error {
	if stock < 0 {
		return fmt.Errorf("seed %s with stock %d: %w", itemID, stock, domain.ErrLedgerInvariant)
	}
	e := l.getOrCreate(itemID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if version != 0 && version < e.lastServerSeq {
		return nil
	}
	e.seeded = true
	e.authoritative = stock
	if version != 0 {
		e.lastServerSeq = version
	}
	l.publish(itemID, e)
	return nil
}

// TryApplyDelta records delta for operation seq if the effective stock stays
// non-negative.
func (l *StockLedger) TryApplyDelta(itemID string, seq uint64, delta int) error {
	e := l.getOrCreate(itemID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seeded {
		return domain.ErrStockUnknown
	}
	if _, dup := e.pending[seq]; dup {
		return fmt.Errorf("stock %s already holds op %d: %w", itemID, seq, domain.ErrLedgerInvariant)
	}
	if e.effective()+delta < 0 {
		return domain.ErrInsufficientStock
	}
	e.pending[seq] = delta
	e.pendingSum += delta
	l.publish(itemID, e)
	return nil
}

// Rollback reverses exactly the delta recorded for seq.
func (l *StockLedger) Rollback(itemID string, seq uint64) error {
	e, ok := l.get(itemID)
	if !ok {
		return fmt.Errorf("rollback op %d on unknown stock %s: %w", seq, itemID, domain.ErrLedgerInvariant)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	delta, ok := e.pending[seq]
	if !ok {
		return fmt.Errorf("rollback op %d: no pending delta on %s: %w", seq, itemID, domain.ErrLedgerInvariant)
	}
	delete(e.pending, seq)
	e.pendingSum -= delta
	l.publish(itemID, e)
	if e.effective() < 0 {
		return fmt.Errorf("stock %s negative after rollback of op %d: %w", itemID, seq, domain.ErrLedgerInvariant)
	}
	return nil
}

// Reconcile settles operation seq with the authority's reported stock. The
// operation's pending delta is cleared; the authoritative value is replaced
// unless version is older than the last one applied.
func (l *StockLedger) Reconcile(itemID string, stock int, seq, version uint64) error {
	if stock < 0 {
		return fmt.Errorf("reconcile %s with stock %d: %w", itemID, stock, domain.ErrLedgerInvariant)
	}
	e, ok := l.get(itemID)
	if !ok {
		return fmt.Errorf("reconcile op %d on unknown stock %s: %w", seq, itemID, domain.ErrLedgerInvariant)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	delta, ok := e.pending[seq]
	if !ok {
		return fmt.Errorf("reconcile op %d: no pending delta on %s: %w", seq, itemID, domain.ErrLedgerInvariant)
	}
	delete(e.pending, seq)
	e.pendingSum -= delta
	if version == 0 || version >= e.lastServerSeq {
		e.authoritative = stock
		if version != 0 {
			e.lastServerSeq = version
		}
	}
	l.publish(itemID, e)
	return nil
}

// Forget drops an item removed from the catalog.
func (l *StockLedger) Forget(itemID string) {
	l.mu.Lock()
	delete(l.records, itemID)
	l.mu.Unlock()
	l.bus.Forget(stockKey(itemID))
}

// Observe subscribes to an item's effective stock. The latest value, if
// any, is replayed to the new subscriber.
func (l *StockLedger) Observe(itemID string) *bus.Subscription[int] {
	return l.bus.Subscribe(stockKey(itemID))
}
