package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/efreitasn/cartcore/internal/bus"
	"github.com/efreitasn/cartcore/internal/domain"
	"github.com/efreitasn/cartcore/internal/store"
)

// pendingCall is a PostReservation call held until the test replies.
type pendingCall struct {
	req   domain.ReservationRequest
	reply chan reply
}

func (p *pendingCall) confirm(stock, amount int, version uint64) {
	p.reply <- reply{conf: domain.Confirmation{
		Seq:       p.req.Seq,
		UserKey:   p.req.UserKey,
		ItemID:    p.req.ItemID,
		Stock:     stock,
		Amount:    amount,
		UnitPrice: domain.PriceFromCents(1500),
		Version:   version,
	}}
}

func (p *pendingCall) reject(err error) {
	p.reply <- reply{err: err}
}

// gatedAuthority blocks every PostReservation until the test answers it.
type gatedAuthority struct {
	calls chan *pendingCall

	mu          sync.Mutex
	stock       domain.StockSnapshot
	cart        domain.CartSnapshot
	stockFetch  atomic.Int32
	cartFetches atomic.Int32
}

func newGatedAuthority() *gatedAuthority {
	return &gatedAuthority{calls: make(chan *pendingCall, 16)}
}

func (a *gatedAuthority) PostReservation(ctx context.Context, req domain.ReservationRequest) (domain.Confirmation, error) {
	p := &pendingCall{req: req, reply: make(chan reply, 1)}
	a.calls <- p
	select {
	case r := <-p.reply:
		return r.conf, r.err
	case <-ctx.Done():
		return domain.Confirmation{}, ctx.Err()
	}
}

func (a *gatedAuthority) FetchStock(_ context.Context, itemID string) (domain.StockSnapshot, error) {
	a.stockFetch.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.stock
	snap.ItemID = itemID
	return snap, nil
}

func (a *gatedAuthority) FetchCartSnapshot(_ context.Context, userKey string) (domain.CartSnapshot, error) {
	a.cartFetches.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := a.cart
	snap.UserKey = userKey
	return snap, nil
}

func (a *gatedAuthority) PlaceOrder(context.Context, string) (domain.Order, error) {
	return domain.Order{}, errors.New("not supported")
}

func (a *gatedAuthority) set(stock domain.StockSnapshot, cart domain.CartSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stock = stock
	a.cart = cart
}

func (a *gatedAuthority) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case p := <-a.calls:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for authority call")
		return nil
	}
}

func (a *gatedAuthority) assertNoCall(t *testing.T) {
	t.Helper()
	select {
	case p := <-a.calls:
		t.Fatalf("unexpected authority call %+v", p.req)
	case <-time.After(20 * time.Millisecond):
	}
}

type testEnv struct {
	coord     *Coordinator
	stock     *store.StockLedger
	carts     *store.CartStore
	authority *gatedAuthority
}

func newTestEnv(t *testing.T, timeout time.Duration) *testEnv {
	t.Helper()
	a := newGatedAuthority()
	stock := store.NewStockLedger(bus.New[int]())
	carts := store.NewCartStore(bus.New[[]domain.CartLine](), bus.New[domain.CartSummary]())
	coord := NewCoordinator(a, stock, carts, Options{
		Timeout:               timeout,
		ResyncMaxTries:        2,
		ResyncInitialInterval: time.Millisecond,
		Logger:                slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &testEnv{coord: coord, stock: stock, carts: carts, authority: a}
}

func (e *testEnv) assertState(t *testing.T, user, item string, wantStock, wantCart int) {
	t.Helper()
	got, _ := e.stock.Get(item)
	if got != wantStock {
		t.Errorf("stock = %d, want %d", got, wantStock)
	}
	if amt := e.carts.Amount(user, item); amt != wantCart {
		t.Errorf("cart amount = %d, want %d", amt, wantCart)
	}
}

func await(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := Await(ctx, ch)
	if errors.Is(err, context.DeadlineExceeded) && out.Seq == 0 {
		t.Fatal("timed out waiting for outcome")
	}
	return out
}

func TestCoordinator_ReserveAndRelease(t *testing.T) {
	env := newTestEnv(t, time.Second)
	if err := env.stock.Seed("r-1", 5, 1); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	ch := env.coord.Reserve("u1", "r-1", 2)
	call := env.authority.next(t)
	if call.req.Delta != 2 || call.req.Kind != domain.KindAdd {
		t.Fatalf("request = %+v, want add with delta 2", call.req)
	}
	// Optimistic state is visible before the authority answers.
	env.assertState(t, "u1", "r-1", 3, 2)
	if !env.coord.HasPending("u1") {
		t.Fatal("expected pending operation")
	}

	call.confirm(3, 2, 2)
	out := await(t, ch)
	if out.Err != nil {
		t.Fatalf("Reserve: %v", out.Err)
	}
	if out.Stock != 3 || out.CartAmount != 2 {
		t.Fatalf("outcome = %+v, want stock 3 cart 2", out)
	}

	out = await(t, env.coord.Reserve("u1", "r-1", 10))
	if !errors.Is(out.Err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", out.Err)
	}
	env.authority.assertNoCall(t)
	env.assertState(t, "u1", "r-1", 3, 2)

	ch = env.coord.Release("u1", "r-1", 1)
	call = env.authority.next(t)
	if call.req.Delta != -1 || call.req.Kind != domain.KindRemove {
		t.Fatalf("request = %+v, want remove with delta -1", call.req)
	}
	env.assertState(t, "u1", "r-1", 4, 1)
	call.confirm(4, 1, 3)
	if out := await(t, ch); out.Err != nil {
		t.Fatalf("Release: %v", out.Err)
	}
	env.assertState(t, "u1", "r-1", 4, 1)
	if env.coord.HasPending("u1") {
		t.Fatal("expected no pending operation")
	}
}

func TestCoordinator_Validation(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	tests := []struct {
		name   string
		user   string
		item   string
		amount int
	}{
		{"missing user", "", "r-1", 1},
		{"missing item", "u1", "", 1},
		{"zero amount", "u1", "r-1", 0},
		{"negative amount", "u1", "r-1", -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := await(t, env.coord.Reserve(tt.user, tt.item, tt.amount))
			var ve *domain.ValidationError
			if !errors.As(out.Err, &ve) {
				t.Fatalf("expected ValidationError, got %v", out.Err)
			}
		})
	}
	env.authority.assertNoCall(t)
}

func TestCoordinator_ReserveUnknownStock(t *testing.T) {
	env := newTestEnv(t, time.Second)
	out := await(t, env.coord.Reserve("u1", "r-9", 1))
	if !errors.Is(out.Err, domain.ErrStockUnknown) {
		t.Fatalf("expected ErrStockUnknown, got %v", out.Err)
	}
}

func TestCoordinator_ReleaseBeyondCartAmount(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)
	out := await(t, env.coord.Release("u1", "r-1", 1))
	if !errors.Is(out.Err, domain.ErrInsufficientAmount) {
		t.Fatalf("expected ErrInsufficientAmount, got %v", out.Err)
	}
	env.authority.assertNoCall(t)
	env.assertState(t, "u1", "r-1", 5, 0)
}

func TestCoordinator_RollbackIsExact(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	ch := env.coord.Reserve("u1", "r-1", 2)
	call := env.authority.next(t)
	env.assertState(t, "u1", "r-1", 3, 2)

	call.reject(fmt.Errorf("%w: connection reset", domain.ErrNetwork))
	out := await(t, ch)
	if !errors.Is(out.Err, domain.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", out.Err)
	}
	env.assertState(t, "u1", "r-1", 5, 0)
	if _, ok := env.carts.Line("u1", "r-1"); ok {
		t.Fatal("rolled back line should be removed")
	}
	// Network failures do not trigger a resync.
	if n := env.authority.stockFetch.Load(); n != 0 {
		t.Fatalf("stock fetched %d times, want 0", n)
	}
}

func TestCoordinator_UnclassifiedErrorIsNetwork(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	ch := env.coord.Reserve("u1", "r-1", 1)
	env.authority.next(t).reject(errors.New("boom"))
	out := await(t, ch)
	if !errors.Is(out.Err, domain.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", out.Err)
	}
}

func TestCoordinator_Timeout(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	_ = env.stock.Seed("r-1", 5, 1)

	ch := env.coord.Reserve("u1", "r-1", 2)
	_ = env.authority.next(t) // never answered
	out := await(t, ch)
	if !errors.Is(out.Err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", out.Err)
	}
	env.assertState(t, "u1", "r-1", 5, 0)
}

func TestCoordinator_ConflictTriggersResync(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)
	env.authority.set(
		domain.StockSnapshot{Stock: 4, Version: 7},
		domain.CartSnapshot{Enabled: false},
	)

	ch := env.coord.Reserve("u1", "r-1", 2)
	env.authority.next(t).reject(fmt.Errorf("%w: %w", domain.ErrConflict, domain.ErrCartDisabled))

	out := await(t, ch)
	if !errors.Is(out.Err, domain.ErrConflict) || !errors.Is(out.Err, domain.ErrCartDisabled) {
		t.Fatalf("expected conflict wrapping cart_disabled, got %v", out.Err)
	}
	require.Eventually(t, func() bool {
		got, _ := env.stock.Get("r-1")
		return got == 4 && !env.carts.Enabled("u1")
	}, 2*time.Second, 5*time.Millisecond)

	// A disabled cart rejects adds locally.
	out = await(t, env.coord.Reserve("u1", "r-1", 1))
	if !errors.Is(out.Err, domain.ErrCartDisabled) {
		t.Fatalf("expected ErrCartDisabled, got %v", out.Err)
	}
	env.authority.assertNoCall(t)
}

func TestCoordinator_DoubleClickQueuesBehindFirst(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 3, 1)

	first := env.coord.Reserve("u1", "r-1", 2)
	call := env.authority.next(t)

	// Both pass the pre-check against the post-optimistic stock of 1 and
	// queue behind the first operation.
	second := env.coord.Reserve("u1", "r-1", 1)
	third := env.coord.Reserve("u1", "r-1", 1)
	env.authority.assertNoCall(t)

	call.confirm(1, 2, 2)
	if out := await(t, first); out.Err != nil {
		t.Fatalf("first: %v", out.Err)
	}

	call = env.authority.next(t)
	if call.req.Seq <= 1 {
		t.Fatalf("queued request seq = %d, want > 1", call.req.Seq)
	}
	call.confirm(0, 3, 3)
	if out := await(t, second); out.Err != nil {
		t.Fatalf("second: %v", out.Err)
	}

	out := await(t, third)
	if !errors.Is(out.Err, domain.ErrInsufficientStock) {
		t.Fatalf("third: expected ErrInsufficientStock, got %v", out.Err)
	}
	env.authority.assertNoCall(t)
	env.assertState(t, "u1", "r-1", 0, 3)
}

func TestCoordinator_StaleReplyDiscarded(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	_ = env.stock.Seed("r-1", 5, 1)

	// A times out and is rolled back.
	a := env.coord.Reserve("u1", "r-1", 1)
	callA := env.authority.next(t)
	if out := await(t, a); !errors.Is(out.Err, domain.ErrTimeout) {
		t.Fatalf("A: expected ErrTimeout, got %v", out.Err)
	}

	// B is dispatched and confirmed.
	env.coord.opts.Timeout = time.Second
	b := env.coord.Reserve("u1", "r-1", 2)
	callB := env.authority.next(t)
	callB.confirm(3, 2, 3)
	if out := await(t, b); out.Err != nil {
		t.Fatalf("B: %v", out.Err)
	}

	// A's confirmation shows up afterwards.
	ok := env.coord.Redeliver(domain.Confirmation{
		Seq:     callA.req.Seq,
		UserKey: "u1",
		ItemID:  "r-1",
		Stock:   4,
		Amount:  1,
		Version: 2,
	})
	if ok {
		t.Fatal("stale confirmation must be discarded")
	}
	env.assertState(t, "u1", "r-1", 3, 2)
}

func TestCoordinator_DuplicateConfirmationHasNoEffect(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	ch := env.coord.Reserve("u1", "r-1", 2)
	call := env.authority.next(t)
	call.confirm(3, 2, 2)
	if out := await(t, ch); out.Err != nil {
		t.Fatalf("Reserve: %v", out.Err)
	}

	replayed := domain.Confirmation{
		Seq: call.req.Seq, UserKey: "u1", ItemID: "r-1",
		Stock: 3, Amount: 2, Version: 2,
	}
	if env.coord.Redeliver(replayed) {
		t.Fatal("duplicate confirmation must be discarded")
	}
	env.assertState(t, "u1", "r-1", 3, 2)

	if env.coord.Redeliver(domain.Confirmation{Seq: 42, UserKey: "u9", ItemID: "r-1"}) {
		t.Fatal("confirmation for an unknown key must be discarded")
	}
}

func TestCoordinator_ObserversSeeOptimisticAndSettledValues(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	stockSub := env.coord.ObserveStock("r-1")
	defer stockSub.Close()
	summarySub := env.coord.ObserveSummary("u1")
	defer summarySub.Close()

	recvStock := func() int {
		t.Helper()
		select {
		case ev := <-stockSub.C():
			return ev.Value
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for stock event")
			return -1
		}
	}
	if v := recvStock(); v != 5 {
		t.Fatalf("replayed stock = %d, want 5", v)
	}

	ch := env.coord.Reserve("u1", "r-1", 2)
	call := env.authority.next(t)
	if v := recvStock(); v != 3 {
		t.Fatalf("optimistic stock = %d, want 3", v)
	}
	call.confirm(3, 2, 2)
	await(t, ch)

	require.Eventually(t, func() bool {
		select {
		case ev := <-summarySub.C():
			return ev.Value.TotalItems == 2 && ev.Value.TotalPrice.Equal(domain.PriceFromCents(3000))
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ForgetItem(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	ch := env.coord.Reserve("u1", "r-1", 1)
	env.authority.next(t).confirm(4, 1, 2)
	await(t, ch)

	env.coord.ForgetItem("r-1")
	if _, known := env.stock.Get("r-1"); known {
		t.Fatal("forgotten item still has stock")
	}
	if env.carts.Amount("u1", "r-1") != 0 {
		t.Fatal("forgotten item still in cart")
	}
}

func TestCoordinator_EndSession(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	ch := env.coord.Reserve("u1", "r-1", 1)
	env.authority.next(t).confirm(4, 1, 2)
	await(t, ch)
	if env.coord.KeyCount() != 1 {
		t.Fatalf("KeyCount = %d, want 1", env.coord.KeyCount())
	}

	env.coord.EndSession("u1")
	if env.coord.KeyCount() != 0 {
		t.Fatalf("KeyCount = %d after EndSession, want 0", env.coord.KeyCount())
	}
	if len(env.carts.Snapshot("u1")) != 0 {
		t.Fatal("cart not cleared")
	}
}

func TestCoordinator_EndSessionWithOperationInFlight(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	first := env.coord.Reserve("u1", "r-1", 1)
	call := env.authority.next(t)
	queued := env.coord.Reserve("u1", "r-1", 1)

	env.coord.EndSession("u1")

	if out := await(t, queued); !errors.Is(out.Err, domain.ErrSessionEnded) {
		t.Fatalf("queued: expected ErrSessionEnded, got %v", out.Err)
	}
	if len(env.carts.Snapshot("u1")) != 0 {
		t.Fatal("cart not cleared")
	}

	// The authority applied the reservation before the logout reached it.
	call.confirm(4, 1, 2)
	out := await(t, first)
	if out.Err != nil {
		t.Fatalf("in-flight outcome: %v", out.Err)
	}
	if out.Stock != 4 || out.CartAmount != 1 {
		t.Fatalf("outcome = %+v, want stock 4 cart 1", out)
	}

	env.authority.assertNoCall(t)
	if n := env.authority.cartFetches.Load(); n != 0 {
		t.Fatalf("cart fetched %d times after logout", n)
	}
	if lines := env.carts.Snapshot("u1"); len(lines) != 0 {
		t.Fatalf("cart after settle = %+v, want empty", lines)
	}
	if got, _ := env.stock.Get("r-1"); got != 4 {
		t.Fatalf("stock = %d, want 4", got)
	}
	if env.coord.HasPending("u1") {
		t.Fatal("user still has pending operations")
	}
}

func TestCoordinator_EndSessionThenConflictRefreshesStockOnly(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)
	env.authority.set(
		domain.StockSnapshot{Stock: 2, Version: 9},
		domain.CartSnapshot{Enabled: true, Lines: []domain.CartLine{{ItemID: "r-1", Amount: 3}}},
	)

	ch := env.coord.Reserve("u1", "r-1", 1)
	call := env.authority.next(t)
	env.coord.EndSession("u1")
	call.reject(fmt.Errorf("%w: %w", domain.ErrConflict, domain.ErrInsufficientStock))

	if out := await(t, ch); !errors.Is(out.Err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", out.Err)
	}
	require.Eventually(t, func() bool {
		got, _ := env.stock.Get("r-1")
		return got == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Zero(t, env.authority.cartFetches.Load())
	require.Empty(t, env.carts.Snapshot("u1"))
}

func TestCoordinator_RedeliverForQueuedOperationIsDropped(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)

	a := env.coord.Reserve("u1", "r-1", 1)
	callA := env.authority.next(t)
	b := env.coord.Reserve("u1", "r-1", 1)

	// B's seq is known before B is dispatched.
	if env.coord.Redeliver(domain.Confirmation{
		Seq: callA.req.Seq + 1, UserKey: "u1", ItemID: "r-1",
		Stock: 3, Amount: 2, Version: 3,
	}) {
		t.Fatal("confirmation for an undispatched operation must be discarded")
	}
	env.assertState(t, "u1", "r-1", 4, 1)

	callA.confirm(4, 1, 2)
	if out := await(t, a); out.Err != nil {
		t.Fatalf("A: %v", out.Err)
	}
	callB := env.authority.next(t)
	if callB.req.Seq != callA.req.Seq+1 {
		t.Fatalf("B seq = %d, want %d", callB.req.Seq, callA.req.Seq+1)
	}
	callB.confirm(3, 2, 3)
	if out := await(t, b); out.Err != nil {
		t.Fatalf("B: %v", out.Err)
	}
	env.assertState(t, "u1", "r-1", 3, 2)
}

func TestCoordinator_KeysAreIndependent(t *testing.T) {
	env := newTestEnv(t, time.Second)
	_ = env.stock.Seed("r-1", 5, 1)
	_ = env.stock.Seed("r-2", 5, 1)

	a := env.coord.Reserve("u1", "r-1", 1)
	b := env.coord.Reserve("u1", "r-2", 1)

	calls := []*pendingCall{env.authority.next(t), env.authority.next(t)}
	sort.Slice(calls, func(i, j int) bool { return calls[i].req.ItemID < calls[j].req.ItemID })
	// Answer the second key first.
	calls[1].confirm(4, 1, 2)
	if out := await(t, b); out.Err != nil {
		t.Fatalf("r-2: %v", out.Err)
	}
	calls[0].confirm(4, 1, 2)
	if out := await(t, a); out.Err != nil {
		t.Fatalf("r-1: %v", out.Err)
	}
	env.assertState(t, "u1", "r-1", 4, 1)
	env.assertState(t, "u1", "r-2", 4, 1)
}
