package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/efreitasn/cartcore/internal/bus"
	"github.com/efreitasn/cartcore/internal/domain"
	"github.com/efreitasn/cartcore/internal/metrics"
	"github.com/efreitasn/cartcore/internal/store"
)

// Outcome is the result of one Reserve or Release call, delivered on the
// caller's channel independently of the bus.
type Outcome struct {
	Seq        uint64
	Kind       domain.Kind
	Key        domain.Key
	Amount     int // requested amount
	Stock      int // effective stock once settled
	CartAmount int // effective cart amount once settled
	Err        error
}

// Options configures a Coordinator.
type Options struct {
	// Timeout bounds each authority call. The call runs detached from the
	// caller: tearing down a view never abandons a reservation.
	Timeout time.Duration

	// ResyncMaxTries and ResyncInitialInterval control the exponential
	// backoff used when refreshing state after a conflict.
	ResyncMaxTries        uint
	ResyncInitialInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// operation is one queued or in-flight request on a key.
type operation struct {
	seq          uint64
	key          domain.Key
	kind         domain.Kind
	amount       int
	done         chan Outcome
	settled      bool
	dispatchedAt time.Time
	timer        *time.Timer
	sessionEnded bool // the user's cart was discarded while in flight
}

// stockDelta is the signed change the operation makes to stock.
func (op *operation) stockDelta() int {
	if op.kind == domain.KindAdd {
		return -op.amount
	}
	return op.amount
}

// keyState serializes operations on one (user, item) key.
//
// Idle: inflight == nil. Pending: inflight dispatched and not settled.
// Settlement (confirmed or failed) hands the key to the next queued
// operation or back to idle.
type keyState struct {
	mu        sync.Mutex
	inflight  *operation
	queue     []*operation
	latest    uint64          // seq of the last dispatched operation
	timedOut  map[uint64]bool // seqs failed by timeout; true once the cart is discarded
	idleSince time.Time
}

// reply is what the authority (or the timeout) produced for an operation.
type reply struct {
	conf domain.Confirmation
	err  error
}

// Coordinator applies reservations optimistically to the stock ledger and
// the cart store, confirms them with the authority and reconciles or rolls
// back on the reply.
type Coordinator struct {
	authority Authority
	stock     *store.StockLedger
	carts     *store.CartStore
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics

	seq    atomic.Uint64
	mu     sync.Mutex
	keys   map[domain.Key]*keyState
	flight singleflight.Group
}

// NewCoordinator creates a Coordinator with the given dependencies.
func NewCoordinator(
	authority Authority,
	stock *store.StockLedger,
	carts *store.CartStore,
	opts Options,
) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ResyncMaxTries == 0 {
		opts.ResyncMaxTries = 3
	}
	if opts.ResyncInitialInterval <= 0 {
		opts.ResyncInitialInterval = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		authority: authority,
		stock:     stock,
		carts:     carts,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		keys:      make(map[domain.Key]*keyState),
	}
}

// Reserve adds amount of an item to the user's cart, taking it from stock.
// It is rejected immediately with domain.ErrInsufficientStock when the
// effective stock is below amount.
func (c *Coordinator) Reserve(userKey, itemID string, amount int) <-chan Outcome {
	return c.submit(domain.KindAdd, userKey, itemID, amount)
}

// Release removes amount of an item from the user's cart, returning it to
// stock. It is rejected immediately with domain.ErrInsufficientAmount when
// the cart holds less than amount.
func (c *Coordinator) Release(userKey, itemID string, amount int) <-chan Outcome {
	return c.submit(domain.KindRemove, userKey, itemID, amount)
}

// Await waits for an outcome. Giving up on ctx does not cancel the
// operation.
func Await(ctx context.Context, ch <-chan Outcome) (Outcome, error) {
	select {
	case out := <-ch:
		return out, out.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// ObserveStock subscribes to an item's effective stock.
func (c *Coordinator) ObserveStock(itemID string) *bus.Subscription[int] {
	return c.stock.Observe(itemID)
}

// ObserveCart subscribes to a user's cart lines.
func (c *Coordinator) ObserveCart(userKey string) *bus.Subscription[[]domain.CartLine] {
	return c.carts.Observe(userKey)
}

// ObserveSummary subscribes to a user's cart summary.
func (c *Coordinator) ObserveSummary(userKey string) *bus.Subscription[domain.CartSummary] {
	return c.carts.ObserveSummary(userKey)
}

func (c *Coordinator) submit(kind domain.Kind, userKey, itemID string, amount int) <-chan Outcome {
	op := &operation{
		key:    domain.Key{UserKey: userKey, ItemID: itemID},
		kind:   kind,
		amount: amount,
		done:   make(chan Outcome, 1),
	}

	if err := validate(op.key, amount); err != nil {
		c.complete(op, Outcome{Err: err})
		return op.done
	}
	if err := c.precheck(op); err != nil {
		c.complete(op, Outcome{Err: err})
		return op.done
	}

	c.mu.Lock()
	ks, ok := c.keys[op.key]
	if !ok {
		ks = &keyState{timedOut: make(map[uint64]bool)}
		c.keys[op.key] = ks
	}
	ks.mu.Lock()
	c.mu.Unlock()
	defer ks.mu.Unlock()

	op.seq = c.seq.Add(1)
	if ks.inflight != nil {
		ks.queue = append(ks.queue, op)
		c.metrics.AddQueued(1)
		c.logger.Debug("operation queued",
			slog.String("key", op.key.String()),
			slog.Uint64("seq", op.seq),
		)
		return op.done
	}
	ks.inflight = op
	if !c.dispatch(ks, op) {
		c.next(ks)
	}
	return op.done
}

func validate(key domain.Key, amount int) error {
	if key.UserKey == "" {
		return &domain.ValidationError{Message: "user key is required"}
	}
	if key.ItemID == "" {
		return &domain.ValidationError{Message: "item id is required"}
	}
	if amount <= 0 {
		return &domain.ValidationError{Message: "amount must be a positive integer"}
	}
	return nil
}

// precheck rejects operations that cannot succeed against the current,
// post-optimistic state. No authority call is made for them.
func (c *Coordinator) precheck(op *operation) error {
	switch op.kind {
	case domain.KindAdd:
		if !c.carts.Enabled(op.key.UserKey) {
			return fmt.Errorf("%w: %w", domain.ErrConflict, domain.ErrCartDisabled)
		}
		stock, known := c.stock.Get(op.key.ItemID)
		if !known {
			return domain.ErrStockUnknown
		}
		if stock < op.amount {
			return domain.ErrInsufficientStock
		}
	case domain.KindRemove:
		if c.carts.Amount(op.key.UserKey, op.key.ItemID) < op.amount {
			return domain.ErrInsufficientAmount
		}
	}
	return nil
}

// apply records the operation's deltas in both ledgers, or in neither.
func (c *Coordinator) apply(op *operation) error {
	item, user := op.key.ItemID, op.key.UserKey
	if op.kind == domain.KindAdd {
		if err := c.stock.TryApplyDelta(item, op.seq, op.stockDelta()); err != nil {
			return err
		}
		if err := c.carts.TryApplyDelta(user, item, op.seq, -op.stockDelta()); err != nil {
			if rbErr := c.stock.Rollback(item, op.seq); rbErr != nil {
				return errors.Join(err, rbErr)
			}
			return err
		}
		return nil
	}

	if err := c.carts.TryApplyDelta(user, item, op.seq, -op.stockDelta()); err != nil {
		return err
	}
	if err := c.stock.TryApplyDelta(item, op.seq, op.stockDelta()); err != nil {
		if rbErr := c.carts.Rollback(user, item, op.seq); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

// dispatch applies op optimistically and sends it to the authority. It must
// be called with ks.mu held and op installed as ks.inflight, so a reply can
// never observe op half started. It returns false when op was rejected
// before dispatch; its outcome has then already been delivered.
func (c *Coordinator) dispatch(ks *keyState, op *operation) bool {
	if err := c.apply(op); err != nil {
		if errors.Is(err, domain.ErrLedgerInvariant) {
			c.logger.Error("ledger invariant violated on apply",
				slog.String("key", op.key.String()),
				slog.Uint64("seq", op.seq),
				slog.String("error", err.Error()),
			)
			err = fmt.Errorf("%w: %w", domain.ErrConflict, err)
		}
		c.complete(op, Outcome{Err: err})
		return false
	}

	req := domain.ReservationRequest{
		Seq:     op.seq,
		UserKey: op.key.UserKey,
		ItemID:  op.key.ItemID,
		Kind:    op.kind,
		Delta:   -op.stockDelta(),
	}

	ks.latest = op.seq
	op.dispatchedAt = time.Now()
	op.timer = time.AfterFunc(c.opts.Timeout, func() {
		c.settle(ks, op.seq, reply{
			err: fmt.Errorf("%w: no reply within %s", domain.ErrTimeout, c.opts.Timeout),
		})
	})

	c.metrics.AddInflight(1)
	c.logger.Debug("reservation dispatched",
		slog.String("key", op.key.String()),
		slog.Uint64("seq", op.seq),
		slog.String("kind", string(op.kind)),
		slog.Int("amount", op.amount),
	)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	go func() {
		defer cancel()
		conf, err := c.authority.PostReservation(ctx, req)
		c.settle(ks, op.seq, reply{conf: conf, err: err})
	}()
	return true
}

// settle applies the first reply for seq. Replies for older seqs are stale
// and dropped; further replies for an already settled seq are duplicates
// and have no ledger effect. It reports whether the reply was applied.
func (c *Coordinator) settle(ks *keyState, seq uint64, r reply) bool {
	ks.mu.Lock()
	op := ks.inflight
	if op == nil || op.seq != seq || op.settled {
		cartDiscarded, timedOut := ks.timedOut[seq]
		lateSuccess := timedOut && r.err == nil
		delete(ks.timedOut, seq)
		reason := "duplicate"
		switch {
		case seq < ks.latest:
			reason = "stale"
		case seq > ks.latest:
			reason = "not_dispatched"
		}
		ks.mu.Unlock()

		if lateSuccess {
			// The authority applied an operation we already rolled back.
			c.logger.Warn("late confirmation after timeout",
				slog.String("user_key", r.conf.UserKey),
				slog.String("item_id", r.conf.ItemID),
				slog.Uint64("seq", seq),
			)
			if cartDiscarded {
				c.refreshStockAsync(r.conf.ItemID)
			} else {
				c.resyncAsync(domain.Key{UserKey: r.conf.UserKey, ItemID: r.conf.ItemID})
			}
		}
		c.metrics.IncDropped(reason)
		return false
	}
	op.settled = true
	op.timer.Stop()
	if r.err != nil {
		r.err = classify(r.err)
	}
	if errors.Is(r.err, domain.ErrTimeout) {
		ks.timedOut[seq] = op.sessionEnded
	}

	c.metrics.AddInflight(-1)
	c.metrics.ObserveSettle(string(op.kind), time.Since(op.dispatchedAt))

	// The ledgers are settled under ks.mu so EndSession either sees the
	// operation settled or marks it before the cart is discarded.
	var out Outcome
	if r.err == nil {
		out = c.confirm(op, r.conf)
	} else {
		out = c.fail(op, r.err)
	}
	// Hand the key on before delivering, so a caller that reacts to the
	// outcome sees the key idle.
	c.next(ks)
	ks.mu.Unlock()

	c.complete(op, out)
	return true
}

// confirm reconciles both ledgers with the authority's values.
func (c *Coordinator) confirm(op *operation, conf domain.Confirmation) Outcome {
	item, user := op.key.ItemID, op.key.UserKey
	if op.sessionEnded {
		return c.confirmStockOnly(op, conf)
	}

	var err error
	if conf.UserKey != user || conf.ItemID != item {
		err = fmt.Errorf("confirmation for %s/%s on key %s: %w", conf.UserKey, conf.ItemID, op.key, domain.ErrLedgerInvariant)
	} else {
		err = errors.Join(
			c.stock.Reconcile(item, conf.Stock, op.seq, conf.Version),
			c.carts.Reconcile(user, item, conf.Amount, conf.UnitPrice, op.seq),
		)
	}
	if err != nil {
		// Clear whatever is still pending for op; the resync restores the
		// authority's view.
		_ = c.stock.Rollback(item, op.seq)
		_ = c.carts.Rollback(user, item, op.seq)
		c.logger.Error("ledger invariant violated on reconcile",
			slog.String("key", op.key.String()),
			slog.Uint64("seq", op.seq),
			slog.String("error", err.Error()),
		)
		c.resyncAsync(op.key)
		return Outcome{Err: fmt.Errorf("%w: %w", domain.ErrConflict, err)}
	}

	stock, _ := c.stock.Get(item)
	return Outcome{Stock: stock, CartAmount: c.carts.Amount(user, item)}
}

// confirmStockOnly settles an operation whose cart was discarded by
// EndSession. The authority applied it, so only stock is reconciled; the
// cart the user logged out of is neither touched nor refreshed.
func (c *Coordinator) confirmStockOnly(op *operation, conf domain.Confirmation) Outcome {
	item := op.key.ItemID
	if err := c.stock.Reconcile(item, conf.Stock, op.seq, conf.Version); err != nil {
		_ = c.stock.Rollback(item, op.seq)
		c.logger.Warn("stock reconcile after session end failed",
			slog.String("key", op.key.String()),
			slog.Uint64("seq", op.seq),
			slog.String("error", err.Error()),
		)
		c.refreshStockAsync(item)
	}
	stock, _ := c.stock.Get(item)
	return Outcome{Stock: stock, CartAmount: conf.Amount}
}

// fail reverses the operation's deltas in both ledgers. After EndSession
// only the stock delta is left to reverse.
func (c *Coordinator) fail(op *operation, err error) Outcome {
	item, user := op.key.ItemID, op.key.UserKey

	rbErr := c.stock.Rollback(item, op.seq)
	if !op.sessionEnded {
		rbErr = errors.Join(rbErr, c.carts.Rollback(user, item, op.seq))
	}
	c.metrics.IncRollback()
	c.logger.Warn("reservation rolled back",
		slog.String("key", op.key.String()),
		slog.Uint64("seq", op.seq),
		slog.String("error", err.Error()),
	)

	if rbErr != nil {
		c.logger.Error("ledger invariant violated on rollback",
			slog.String("key", op.key.String()),
			slog.Uint64("seq", op.seq),
			slog.String("error", rbErr.Error()),
		)
		c.resyncAsync(op.key)
		return Outcome{Err: fmt.Errorf("%w: %w", domain.ErrConflict, rbErr)}
	}
	if errors.Is(err, domain.ErrConflict) {
		if op.sessionEnded {
			c.refreshStockAsync(item)
		} else {
			c.resyncAsync(op.key)
		}
	}

	stock, _ := c.stock.Get(item)
	return Outcome{Stock: stock, CartAmount: c.carts.Amount(user, item), Err: err}
}

// classify maps an authority error onto the core's error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrNetwork),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrUnauthorized):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
}

// next hands the key to the next queued operation, skipping operations
// rejected at start, or returns the key to idle. It must be called with
// ks.mu held.
func (c *Coordinator) next(ks *keyState) {
	for len(ks.queue) > 0 {
		op := ks.queue[0]
		ks.queue[0] = nil
		ks.queue = ks.queue[1:]
		ks.inflight = op
		c.metrics.AddQueued(-1)
		if c.dispatch(ks, op) {
			return
		}
	}
	ks.inflight = nil
	ks.idleSince = time.Now()
}

// complete delivers the outcome to the caller.
func (c *Coordinator) complete(op *operation, out Outcome) {
	out.Seq = op.seq
	out.Kind = op.kind
	out.Key = op.key
	out.Amount = op.amount
	op.done <- out
	close(op.done)

	c.metrics.ObserveOperation(string(op.kind), outcomeLabel(out.Err))
	if out.Err == nil {
		c.logger.Info("reservation confirmed",
			slog.String("key", op.key.String()),
			slog.Uint64("seq", op.seq),
			slog.String("kind", string(op.kind)),
			slog.Int("stock", out.Stock),
			slog.Int("cart_amount", out.CartAmount),
		)
	}
}

func outcomeLabel(err error) string {
	var validationErr *domain.ValidationError
	switch {
	case err == nil:
		return metrics.OutcomeConfirmed
	case errors.As(err, &validationErr):
		return metrics.OutcomeRejected
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.OutcomeInsufficientStock
	case errors.Is(err, domain.ErrInsufficientAmount):
		return metrics.OutcomeInsufficientCart
	case errors.Is(err, domain.ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, domain.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, domain.ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, domain.ErrNetwork):
		return metrics.OutcomeNetwork
	default:
		return metrics.OutcomeRejected
	}
}

// Redeliver applies a confirmation received out of band, such as a
// transport retry. A confirmation for a seq that is no longer the latest on
// its key, or that was already settled, is discarded. It reports whether
// the confirmation changed any state.
func (c *Coordinator) Redeliver(conf domain.Confirmation) bool {
	key := domain.Key{UserKey: conf.UserKey, ItemID: conf.ItemID}
	c.mu.Lock()
	ks, ok := c.keys[key]
	c.mu.Unlock()
	if !ok {
		c.metrics.IncDropped("unknown_key")
		return false
	}
	return c.settle(ks, conf.Seq, reply{conf: conf})
}

// HasPending reports whether any operation of the user is queued or in
// flight.
func (c *Coordinator) HasPending(userKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, ks := range c.keys {
		if key.UserKey != userKey {
			continue
		}
		ks.mu.Lock()
		busy := ks.inflight != nil || len(ks.queue) > 0
		ks.mu.Unlock()
		if busy {
			return true
		}
	}
	return false
}

// ForgetItem drops an item removed from the catalog from the stock ledger
// and every cart.
func (c *Coordinator) ForgetItem(itemID string) {
	c.stock.Forget(itemID)
	c.carts.RemoveItem(itemID)
	c.logger.Info("catalog item forgotten", slog.String("item_id", itemID))
}

// EndSession discards the user's cart and idle key states. Queued
// operations fail with domain.ErrSessionEnded; an operation already sent
// to the authority still settles, against stock only.
func (c *Coordinator) EndSession(userKey string) {
	var dropped []*operation

	c.mu.Lock()
	for key, ks := range c.keys {
		if key.UserKey != userKey {
			continue
		}
		ks.mu.Lock()
		for seq := range ks.timedOut {
			ks.timedOut[seq] = true
		}
		if ks.inflight == nil {
			delete(c.keys, key)
		} else {
			ks.inflight.sessionEnded = true
			dropped = append(dropped, ks.queue...)
			c.metrics.AddQueued(-len(ks.queue))
			ks.queue = nil
		}
		ks.mu.Unlock()
	}
	c.mu.Unlock()

	c.carts.Reset(userKey)
	for _, op := range dropped {
		c.complete(op, Outcome{Err: domain.ErrSessionEnded})
	}
	c.logger.Info("session ended",
		slog.String("user_key", userKey),
		slog.Int("dropped", len(dropped)),
	)
}

// sweepIdle removes key states idle since before cutoff and returns how
// many were removed.
func (c *Coordinator) sweepIdle(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, ks := range c.keys {
		ks.mu.Lock()
		if ks.inflight == nil && len(ks.queue) == 0 && ks.idleSince.Before(cutoff) {
			delete(c.keys, key)
			removed++
		}
		ks.mu.Unlock()
	}
	return removed
}

// KeyCount returns the number of tracked key states.
func (c *Coordinator) KeyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}
