package report_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/riplimit/ledger-engine/internal/ledger"
	"github.com/riplimit/ledger-engine/internal/model"
	"github.com/riplimit/ledger-engine/internal/report"
	"github.com/riplimit/ledger-engine/internal/store"
)

func seed(t *testing.T) (*store.MemoryStore, *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := ledger.New(st, ledger.Config{})

	steps := []func() error{
		func() error { _, err := l.Credit(ctx, "u1", 1000, model.TxPurchase, ""); return err },
		func() error { _, err := l.Credit(ctx, "u2", 500, model.TxPurchase, ""); return err },
		func() error { _, err := l.Block(ctx, "u1", "a1", 300); return err },
		func() error { _, err := l.Block(ctx, "u2", "a2", 100); return err },
		func() error { return l.Release(ctx, "u2", "a2") },
		func() error { return l.LockAsPayment(ctx, "u1", "a1") },
		func() error { _, err := l.Refund(ctx, "u2", 200); return err },
		func() error { _, err := l.Adjust(ctx, "admin", "u1", -100, "correction"); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("seed step %d: %v", i, err)
		}
	}
	return st, l
}

func TestStats(t *testing.T) {
	st, _ := seed(t)
	s, err := report.New(st).Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	checks := []struct {
		name      string
		got, want int64
	}{
		{"circulation", s.TotalCirculation, 1200},
		{"blocked", s.TotalBlocked, 300},
		{"revenue", s.PurchaseRevenueRL, 1500},
		{"refunded", s.TotalRefundedRL, 200},
		{"net", s.NetRevenueRL, 1300},
		{"adjustments", s.AdjustmentsRL, -100},
		{"unpaid users", int64(s.UsersWithUnpaid), 1},
		{"transactions", s.TransactionCount, 8},
		{"bid_lock volume", s.ByType[model.TxBidLock], 300},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, c.got)
		}
	}
	if !s.PurchaseRevenueINR.Equal(decimal.NewFromInt(75)) {
		t.Errorf("expected revenue 75 INR, got %s", s.PurchaseRevenueINR)
	}
	if !s.NetRevenueINR.Equal(decimal.NewFromInt(65)) {
		t.Errorf("expected net 65 INR, got %s", s.NetRevenueINR)
	}

	// Circulation equals what the projections hold.
	bals, _ := st.ListBalances(context.Background())
	var held int64
	for _, b := range bals {
		held += b.Total()
	}
	if held != s.TotalCirculation {
		t.Errorf("balances hold %d, circulation is %d", held, s.TotalCirculation)
	}
}

func TestReconcile(t *testing.T) {
	st, _ := seed(t)
	ctx := context.Background()
	r := report.New(st)

	ds, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ds) != 0 {
		t.Fatalf("expected no discrepancies, got %+v", ds)
	}

	// Write a projection change with no ledger entry behind it.
	err = st.InTx(ctx, func(tx store.Tx) error {
		bals, err := tx.LockBalances(ctx, "u2")
		if err != nil {
			return err
		}
		bals["u2"].Available += 50
		return tx.SaveBalance(ctx, bals["u2"])
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	ds, err = r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ds) != 1 || ds[0].UserID != "u2" {
		t.Fatalf("expected one discrepancy for u2, got %+v", ds)
	}
	if ds[0].Available-ds[0].LedgerAvailable != 50 {
		t.Errorf("expected a 50 RL gap, got %+v", ds[0])
	}
}
