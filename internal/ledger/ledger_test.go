package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/riplimit/ledger-engine/internal/ledger"
	"github.com/riplimit/ledger-engine/internal/model"
	"github.com/riplimit/ledger-engine/internal/store"
)

func newLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return ledger.New(st, ledger.Config{}), st
}

func credit(t *testing.T, l *ledger.Ledger, userID string, amount int64) {
	t.Helper()
	if _, err := l.Credit(context.Background(), userID, amount, model.TxPurchase, ""); err != nil {
		t.Fatalf("credit %s: %v", userID, err)
	}
}

func expectBalance(t *testing.T, st store.Store, userID string, available, blocked int64) {
	t.Helper()
	b, err := st.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.Available != available || b.Blocked != blocked {
		t.Errorf("%s: expected available=%d blocked=%d, got available=%d blocked=%d",
			userID, available, blocked, b.Available, b.Blocked)
	}
}

// expectReconciled replays the user's ledger and compares it with the
// projection. The signed amounts alone must add up to the user's total.
func expectReconciled(t *testing.T, st store.Store, userID string) {
	t.Helper()
	ctx := context.Background()
	entries, err := st.UserLedger(ctx, userID)
	if err != nil {
		t.Fatalf("user ledger: %v", err)
	}
	var avail, blocked, sum int64
	for _, e := range entries {
		da, db, err := e.Deltas()
		if err != nil {
			t.Fatalf("deltas: %v", err)
		}
		avail += da
		blocked += db
		sum += e.Amount
	}
	expectBalance(t, st, userID, avail, blocked)
	if sum != avail+blocked {
		t.Errorf("%s: amounts sum to %d, total is %d", userID, sum, avail+blocked)
	}
}

func TestCredit(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()

	tx, err := l.Credit(ctx, "u1", 1000, model.TxPurchase, "order:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Type != model.TxPurchase || tx.Amount != 1000 || tx.Status != model.TxStatusCompleted {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	expectBalance(t, st, "u1", 1000, 0)
}

func TestCredit_Validation(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		amount int64
		typ    model.TransactionType
	}{
		{"zero", 0, model.TxPurchase},
		{"negative", -500, model.TxPurchase},
		{"below minimum purchase", 199, model.TxPurchase},
		{"zero adjustment", 0, model.TxAdjustment},
	}
	for _, tt := range tests {
		_, err := l.Credit(ctx, "u1", tt.amount, tt.typ, "")
		if !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("%s: expected ErrInvalidAmount, got %v", tt.name, err)
		}
	}
	if _, err := l.Credit(ctx, "u1", 500, model.TxBidBlock, ""); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("expected ErrValidation for a non-credit type, got %v", err)
	}
	expectBalance(t, st, "u1", 0, 0)
}

func TestCredit_IdempotencyKey(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()

	first, err := l.Credit(ctx, "u1", 500, model.TxPurchase, "order:42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = l.Credit(ctx, "u1", 500, model.TxPurchase, "order:42")
	var dup *ledger.DuplicateTransactionError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateTransactionError, got %v", err)
	}
	if !errors.Is(err, ledger.ErrDuplicateTransaction) {
		t.Error("expected errors.Is(err, ErrDuplicateTransaction)")
	}
	if dup.Original.ID != first.ID {
		t.Errorf("expected original %s, got %s", first.ID, dup.Original.ID)
	}
	expectBalance(t, st, "u1", 500, 0)
}

func TestCredit_ConcurrentSameKey(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, dups := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Credit(ctx, "u1", 300, model.TxPurchase, "order:race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrDuplicateTransaction):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || dups != 19 {
		t.Errorf("expected 1 credit and 19 duplicates, got %d and %d", ok, dups)
	}
	expectBalance(t, st, "u1", 300, 0)
	expectReconciled(t, st, "u1")
}

func TestBlockReleaseRoundTrip(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 1000)

	rec, err := l.Block(ctx, "u1", "a1", 300)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if rec.Amount != 300 || rec.Locked {
		t.Errorf("unexpected block record: %+v", rec)
	}
	expectBalance(t, st, "u1", 700, 300)

	if err := l.Release(ctx, "u1", "a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	expectBalance(t, st, "u1", 1000, 0)

	// Releasing again is a no-op.
	if err := l.Release(ctx, "u1", "a1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	entries, _ := st.UserLedger(ctx, "u1")
	if len(entries) != 3 {
		t.Errorf("expected purchase, block and one release, got %d entries", len(entries))
	}
	expectReconciled(t, st, "u1")
}

func TestBlock_Overwrite(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 1000)

	if _, err := l.Block(ctx, "u1", "a1", 300); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := l.Block(ctx, "u1", "a1", 800); err != nil {
		t.Fatalf("reblock: %v", err)
	}
	expectBalance(t, st, "u1", 200, 800)

	blocks, _ := st.ListBlocks(ctx, "u1")
	if len(blocks) != 1 || blocks[0].Amount != 800 {
		t.Errorf("expected a single 800 block, got %+v", blocks)
	}
	expectReconciled(t, st, "u1")
}

func TestBlock_Insufficient(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 200)

	if _, err := l.Block(ctx, "u1", "a1", 201); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := l.Block(ctx, "u1", "a1", 0); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	expectBalance(t, st, "u1", 200, 0)
}

func TestBlock_ConcurrentNeverOverdraws(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Block(ctx, "u1", string(rune('a'+i)), 300)
			if err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	expectBalance(t, st, "u1", 100, 900)
	expectReconciled(t, st, "u1")
}

func TestLockAsPayment(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 1000)
	if _, err := l.Block(ctx, "u1", "a1", 400); err != nil {
		t.Fatalf("block: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := l.LockAsPayment(ctx, "u1", "a1"); err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
	}
	expectBalance(t, st, "u1", 600, 400)

	b, _ := st.GetBalance(ctx, "u1")
	if !b.HasUnpaidAuctions() || len(b.UnpaidAuctionIDs) != 1 {
		t.Errorf("expected a1 unpaid once, got %v", b.UnpaidAuctionIDs)
	}
	entries, _ := st.UserLedger(ctx, "u1")
	locks := 0
	for _, e := range entries {
		if e.Type == model.TxBidLock {
			locks++
			if e.LockAmount != 400 || e.Amount != 0 {
				t.Errorf("unexpected lock entry: %+v", e)
			}
		}
	}
	if locks != 1 {
		t.Errorf("expected one bid_lock entry, got %d", locks)
	}

	if err := l.Release(ctx, "u1", "a1"); !errors.Is(err, ledger.ErrPaymentLocked) {
		t.Errorf("expected ErrPaymentLocked on plain release, got %v", err)
	}
	if err := l.LockAsPayment(ctx, "u1", "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound without a block, got %v", err)
	}
	expectReconciled(t, st, "u1")
}

func TestRefund(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 1000)
	if _, err := l.Block(ctx, "u1", "a1", 500); err != nil {
		t.Fatalf("block: %v", err)
	}

	if _, err := l.Refund(ctx, "u1", 150); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount below minimum, got %v", err)
	}
	// Blocked funds are not refundable.
	if _, err := l.Refund(ctx, "u1", 600); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	tx, err := l.Refund(ctx, "u1", 500)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if tx.Type != model.TxRefund || tx.Amount != -500 {
		t.Errorf("unexpected refund entry: %+v", tx)
	}
	expectBalance(t, st, "u1", 0, 500)
	expectReconciled(t, st, "u1")
}

func TestRefund_UnpaidAuction(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 1000)
	if _, err := l.Block(ctx, "u1", "a1", 200); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := l.LockAsPayment(ctx, "u1", "a1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Refund(ctx, "u1", 300); !errors.Is(err, ledger.ErrUnpaidAuctionBlock) {
		t.Fatalf("expected ErrUnpaidAuctionBlock, got %v", err)
	}
}

func TestAdjust(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()

	// Scenario: negative adjustment can never take a balance below zero.
	credit(t, l, "u1", 500)
	if _, err := l.Adjust(ctx, "admin", "u1", -700, "chargeback"); !errors.Is(err, ledger.ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}
	expectBalance(t, st, "u1", 500, 0)

	tx, err := l.Adjust(ctx, "admin", "u1", -500, "chargeback")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if tx.ActorID != "admin" || tx.Reason != "chargeback" || tx.Amount != -500 {
		t.Errorf("unexpected adjustment: %+v", tx)
	}
	expectBalance(t, st, "u1", 0, 0)

	if _, err := l.Adjust(ctx, "admin", "u1", 250, "goodwill"); err != nil {
		t.Fatalf("positive adjust: %v", err)
	}
	expectBalance(t, st, "u1", 250, 0)
	expectReconciled(t, st, "u1")
}

func TestAdjust_Validation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		admin   string
		delta   int64
		reason  string
		wantErr error
	}{
		{"no admin", "", 100, "x", ledger.ErrAuthorization},
		{"zero delta", "admin", 0, "x", ledger.ErrInvalidAmount},
		{"no reason", "admin", 100, "", ledger.ErrValidation},
	}
	for _, tt := range tests {
		if _, err := l.Adjust(ctx, tt.admin, "u1", tt.delta, tt.reason); !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestClearUnpaidAuction(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 1000)
	for _, a := range []string{"a1", "a2"} {
		if _, err := l.Block(ctx, "u1", a, 200); err != nil {
			t.Fatalf("block: %v", err)
		}
		if err := l.LockAsPayment(ctx, "u1", a); err != nil {
			t.Fatalf("lock: %v", err)
		}
	}

	tx, err := l.ClearUnpaidAuction(ctx, "admin", "u1", "a1")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if tx.Type != model.TxBidRelease || tx.ActorID != "admin" || tx.Amount != 0 || tx.HeldAmount != -200 {
		t.Errorf("unexpected release entry: %+v", tx)
	}
	b, _ := st.GetBalance(ctx, "u1")
	if !b.HasUnpaidAuctions() {
		t.Error("flag must stay set while a2 is unpaid")
	}

	if _, err := l.ClearUnpaidAuction(ctx, "admin", "u1", "a1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a cleared auction, got %v", err)
	}
	if _, err := l.ClearUnpaidAuction(ctx, "", "u1", "a2"); !errors.Is(err, ledger.ErrAuthorization) {
		t.Errorf("expected ErrAuthorization without admin, got %v", err)
	}

	if _, err := l.ClearUnpaidAuction(ctx, "admin", "u1", "a2"); err != nil {
		t.Fatalf("clear a2: %v", err)
	}
	b, _ = st.GetBalance(ctx, "u1")
	if b.HasUnpaidAuctions() {
		t.Error("flag must clear with the last unpaid auction")
	}
	expectBalance(t, st, "u1", 1000, 0)
	expectReconciled(t, st, "u1")
}

func TestSettleAuctionPayment(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	credit(t, l, "u1", 1000)
	if _, err := l.Block(ctx, "u1", "a1", 300); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := l.LockAsPayment(ctx, "u1", "a1"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	tx, err := l.SettleAuctionPayment(ctx, "u1", "a1", "pay_123")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if tx.ActorID != "pay_123" {
		t.Errorf("expected payment reference on the entry, got %+v", tx)
	}
	expectBalance(t, st, "u1", 1000, 0)
	if _, err := l.SettleAuctionPayment(ctx, "u1", "a1", "pay_123"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second settle, got %v", err)
	}
	expectReconciled(t, st, "u1")
}

func TestBalance(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	empty, err := l.Balance(ctx, "nobody")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if empty.Available != 0 || len(empty.Blocks) != 0 || empty.HasUnpaidAuctions {
		t.Errorf("expected empty balance, got %+v", empty)
	}

	credit(t, l, "u1", 1000)
	if _, err := l.Block(ctx, "u1", "a1", 100); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := l.Block(ctx, "u1", "a2", 200); err != nil {
		t.Fatalf("block: %v", err)
	}
	v, err := l.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if v.Available != 700 || v.Blocked != 300 || len(v.Blocks) != 2 {
		t.Errorf("unexpected view: %+v", v)
	}
}

func TestTransactions_PagingAndFilter(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		credit(t, l, "u1", int64(200+i))
	}
	if _, err := l.Block(ctx, "u1", "a1", 50); err != nil {
		t.Fatalf("block: %v", err)
	}

	page, total, err := l.Transactions(ctx, "u1", model.TransactionFilter{Limit: 2})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 6 || len(page) != 2 {
		t.Fatalf("expected 2 of 6, got %d of %d", len(page), total)
	}
	if page[0].Type != model.TxBidBlock {
		t.Errorf("expected newest first, got %s", page[0].Type)
	}

	purchases, total, err := l.Transactions(ctx, "u1", model.TransactionFilter{Type: model.TxPurchase, Offset: 1, Limit: 10})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 5 || len(purchases) != 4 || purchases[0].Amount != 203 {
		t.Errorf("unexpected purchase page: total=%d %+v", total, purchases)
	}

	if _, _, err := l.Transactions(ctx, "u1", model.TransactionFilter{Type: "bogus"}); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown type, got %v", err)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ledger.ErrBidTooLow, "bid_too_low"},
		{ledger.ErrUnpaidAuctionBlock, "unpaid_auction_block"},
		{ledger.ErrConflict, "conflict"},
		{&ledger.DuplicateTransactionError{}, "duplicate_transaction"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ledger.Code(tt.err); got != tt.want {
			t.Errorf("Code(%v): expected %s, got %s", tt.err, tt.want, got)
		}
	}
}
