package store

import (
	"errors"
	"testing"

	"github.com/efreitasn/cartcore/internal/bus"
	"github.com/efreitasn/cartcore/internal/domain"
)

func newTestLedger() (*StockLedger, *bus.Bus[int]) {
	b := bus.New[int]()
	return NewStockLedger(b), b
}

func latestStock(t *testing.T, b *bus.Bus[int], itemID string) int {
	t.Helper()
	ev, ok := b.Latest(bus.Key{Entity: bus.EntityStock, ID: itemID})
	if !ok {
		t.Fatalf("no stock published for %s", itemID)
	}
	return ev.Value
}

func TestStockLedger_GetUnknown(t *testing.T) {
	l, _ := newTestLedger()
	if _, known := l.Get("r-1"); known {
		t.Fatal("expected unknown stock for unseeded item")
	}
}

func TestStockLedger_SeedAndGet(t *testing.T) {
	l, b := newTestLedger()
	if err := l.Seed("r-1", 5, 1); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	got, known := l.Get("r-1")
	if !known || got != 5 {
		t.Fatalf("Get = (%d, %v), want (5, true)", got, known)
	}
	if v := latestStock(t, b, "r-1"); v != 5 {
		t.Fatalf("published %d, want 5", v)
	}
}

func TestStockLedger_SeedRejectsNegative(t *testing.T) {
	l, _ := newTestLedger()
	if err := l.Seed("r-1", -1, 0); !errors.Is(err, domain.ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got %v", err)
	}
}

func TestStockLedger_SeedKeepsPendingDelta(t *testing.T) {
	l, _ := newTestLedger()
	_ = l.Seed("r-1", 5, 1)
	if err := l.TryApplyDelta("r-1", 10, -2); err != nil {
		t.Fatalf("TryApplyDelta: %v", err)
	}

	// Catalog refresh arrives while the reservation is in flight.
	if err := l.Seed("r-1", 8, 2); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	rec, _ := l.Record("r-1")
	if rec.AuthoritativeStock != 8 || rec.PendingDelta != -2 {
		t.Fatalf("record = %+v, want authoritative 8 pending -2", rec)
	}
	if got, _ := l.Get("r-1"); got != 6 {
		t.Fatalf("Get = %d, want 6", got)
	}
}

func TestStockLedger_SeedIgnoresOlderVersion(t *testing.T) {
	l, _ := newTestLedger()
	_ = l.Seed("r-1", 5, 7)
	_ = l.Seed("r-1", 9, 3)

	rec, _ := l.Record("r-1")
	if rec.AuthoritativeStock != 5 || rec.LastServerSeq != 7 {
		t.Fatalf("record = %+v, want stock 5 version 7", rec)
	}
}

func TestStockLedger_TryApplyDelta(t *testing.T) {
	l, b := newTestLedger()
	_ = l.Seed("r-1", 3, 1)

	if err := l.TryApplyDelta("r-1", 1, -3); err != nil {
		t.Fatalf("TryApplyDelta: %v", err)
	}
	if v := latestStock(t, b, "r-1"); v != 0 {
		t.Fatalf("published %d, want 0", v)
	}
	if err := l.TryApplyDelta("r-1", 2, -1); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got, _ := l.Get("r-1"); got != 0 {
		t.Fatalf("rejected delta changed stock to %d", got)
	}
}

func TestStockLedger_TryApplyDelta_Unseeded(t *testing.T) {
	l, _ := newTestLedger()
	if err := l.TryApplyDelta("r-1", 1, -1); !errors.Is(err, domain.ErrStockUnknown) {
		t.Fatalf("expected ErrStockUnknown, got %v", err)
	}
}

func TestStockLedger_TryApplyDelta_DuplicateSeq(t *testing.T) {
	l, _ := newTestLedger()
	_ = l.Seed("r-1", 3, 1)
	_ = l.TryApplyDelta("r-1", 1, -1)
	if err := l.TryApplyDelta("r-1", 1, -1); !errors.Is(err, domain.ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got %v", err)
	}
}

func TestStockLedger_RollbackIsExact(t *testing.T) {
	l, _ := newTestLedger()
	_ = l.Seed("r-1", 5, 1)
	_ = l.TryApplyDelta("r-1", 1, -1)
	before, _ := l.Record("r-1")

	_ = l.TryApplyDelta("r-1", 2, -2)
	if err := l.Rollback("r-1", 2); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	after, _ := l.Record("r-1")
	if after != before {
		t.Fatalf("after rollback %+v, want %+v", after, before)
	}
}

func TestStockLedger_RollbackUnknownSeq(t *testing.T) {
	l, _ := newTestLedger()
	_ = l.Seed("r-1", 5, 1)
	if err := l.Rollback("r-1", 42); !errors.Is(err, domain.ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got %v", err)
	}
}

func TestStockLedger_Reconcile(t *testing.T) {
	l, _ := newTestLedger()
	_ = l.Seed("r-1", 5, 1)
	_ = l.TryApplyDelta("r-1", 1, -2)
	_ = l.TryApplyDelta("r-1", 2, -1) // another user's op on the same item

	if err := l.Reconcile("r-1", 3, 1, 2); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	rec, _ := l.Record("r-1")
	want := domain.StockRecord{ItemID: "r-1", AuthoritativeStock: 3, PendingDelta: -1, LastServerSeq: 2}
	if rec != want {
		t.Fatalf("record = %+v, want %+v", rec, want)
	}
}

func TestStockLedger_ReconcileStaleVersionKeepsStock(t *testing.T) {
	l, _ := newTestLedger()
	_ = l.Seed("r-1", 5, 10)
	_ = l.TryApplyDelta("r-1", 1, -1)

	if err := l.Reconcile("r-1", 9, 1, 4); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	rec, _ := l.Record("r-1")
	if rec.AuthoritativeStock != 5 || rec.PendingDelta != 0 {
		t.Fatalf("record = %+v, want stock 5 and no pending", rec)
	}
}

func TestStockLedger_ReconcileTwiceIsInvariantViolation(t *testing.T) {
	l, _ := newTestLedger()
	_ = l.Seed("r-1", 5, 1)
	_ = l.TryApplyDelta("r-1", 1, -1)
	_ = l.Reconcile("r-1", 4, 1, 2)
	if err := l.Reconcile("r-1", 4, 1, 2); !errors.Is(err, domain.ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got %v", err)
	}
}

func TestStockLedger_EffectiveFlooredForObservers(t *testing.T) {
	l, b := newTestLedger()
	_ = l.Seed("r-1", 2, 1)
	_ = l.TryApplyDelta("r-1", 1, -1)
	_ = l.TryApplyDelta("r-1", 2, -1)

	// The authority already applied both reservations; only op 1 settles.
	_ = l.Reconcile("r-1", 0, 1, 3)

	if got, _ := l.Get("r-1"); got != 0 {
		t.Fatalf("Get = %d, want 0", got)
	}
	if v := latestStock(t, b, "r-1"); v != 0 {
		t.Fatalf("published %d, want 0", v)
	}
	if err := l.TryApplyDelta("r-1", 3, -1); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestStockLedger_Forget(t *testing.T) {
	l, b := newTestLedger()
	_ = l.Seed("r-1", 2, 1)
	l.Forget("r-1")

	if _, known := l.Get("r-1"); known {
		t.Fatal("expected item to be forgotten")
	}
	if _, ok := b.Latest(bus.Key{Entity: bus.EntityStock, ID: "r-1"}); ok {
		t.Fatal("expected retained bus value to be dropped")
	}
}
