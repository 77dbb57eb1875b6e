package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riplimit/ledger-engine/internal/model"
)

var errAbort = errors.New("abort")

func seedAuction(t *testing.T, s Store, id string) {
	t.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateAuction(context.Background(), &model.Auction{
		ID:               id,
		SellerID:         "seller",
		Status:           model.AuctionLive,
		MinimumIncrement: 10,
		StartTime:        start,
		EndTime:          start.Add(time.Hour),
		Version:          1,
	}))
}

func credit(t *testing.T, s Store, userID string, amount int64, key string) error {
	t.Helper()
	ctx := context.Background()
	return s.InTx(ctx, func(tx Tx) error {
		// The key lock precedes the balance lock.
		if _, err := tx.GetTransactionByKey(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		bals, err := tx.LockBalances(ctx, userID)
		if err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &model.Transaction{
			ID: key + "-tx", UserID: userID, Type: model.TxPurchase, Amount: amount, IdempotencyKey: key,
		}); err != nil {
			return err
		}
		bals[userID].Available += amount
		return tx.SaveBalance(ctx, bals[userID])
	})
}

func TestMemoryStore_LockOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAuction(t, s, "a1")

	tests := []struct {
		name string
		fn   func(tx Tx) error
		ok   bool
	}{
		{"auction then balances", func(tx Tx) error {
			if _, err := tx.GetAuctionForUpdate(ctx, "a1"); err != nil {
				return err
			}
			_, err := tx.LockBalances(ctx, "u2", "u1")
			return err
		}, true},
		{"balance then auction", func(tx Tx) error {
			if _, err := tx.LockBalances(ctx, "u1"); err != nil {
				return err
			}
			_, err := tx.GetAuctionForUpdate(ctx, "a1")
			return err
		}, false},
		{"descending users", func(tx Tx) error {
			if _, err := tx.LockBalances(ctx, "u2"); err != nil {
				return err
			}
			_, err := tx.LockBalances(ctx, "u1")
			return err
		}, false},
		{"key after balance", func(tx Tx) error {
			if _, err := tx.LockBalances(ctx, "u1"); err != nil {
				return err
			}
			_, err := tx.GetTransactionByKey(ctx, "k1")
			return err
		}, false},
		{"relock held balance", func(tx Tx) error {
			if _, err := tx.LockBalances(ctx, "u1", "u2"); err != nil {
				return err
			}
			_, err := tx.LockBalances(ctx, "u1")
			return err
		}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.InTx(ctx, tc.fn)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrLockOrder)
			}
		})
	}
}

func TestMemoryStore_RollbackDiscardsStagedWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAuction(t, s, "a1")

	err := s.InTx(ctx, func(tx Tx) error {
		a, err := tx.GetAuctionForUpdate(ctx, "a1")
		if err != nil {
			return err
		}
		a.CurrentBid = 500
		if err := tx.UpdateAuction(ctx, a, a.Version); err != nil {
			return err
		}
		bals, err := tx.LockBalances(ctx, "u1")
		if err != nil {
			return err
		}
		bals["u1"].Available = 999
		if err := tx.SaveBalance(ctx, bals["u1"]); err != nil {
			return err
		}
		require.NoError(t, tx.PutBlock(ctx, &model.BlockRecord{UserID: "u1", AuctionID: "a1", Amount: 10}))
		require.NoError(t, tx.AppendTransaction(ctx, &model.Transaction{ID: "t1", UserID: "u1", Type: model.TxPurchase, Amount: 999}))

		// Staged writes are visible inside the transaction only.
		got, err := s.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.Zero(t, got.Available)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	a, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.CurrentBid)
	assert.Equal(t, int64(1), a.Version)

	b, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, b.Available)

	blocks, err := s.ListBlocks(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	entries, err := s.UserLedger(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_UpdateAuctionCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAuction(t, s, "a1")

	err := s.InTx(ctx, func(tx Tx) error {
		a := &model.Auction{ID: "a1", SellerID: "seller", Status: model.AuctionLive, CurrentBid: 120}
		return tx.UpdateAuction(ctx, a, 7)
	})
	require.ErrorIs(t, err, ErrVersionConflict)

	var updated model.Auction
	err = s.InTx(ctx, func(tx Tx) error {
		a, err := tx.GetAuctionForUpdate(ctx, "a1")
		if err != nil {
			return err
		}
		a.CurrentBid = 120
		if err := tx.UpdateAuction(ctx, a, 1); err != nil {
			return err
		}
		updated = *a
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	a, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), a.CurrentBid)
	assert.Equal(t, int64(2), a.Version)

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateAuction(ctx, &model.Auction{ID: "missing"}, 1)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_IdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, credit(t, s, "u1", 100, "k1"))
	assert.ErrorIs(t, credit(t, s, "u1", 100, "k1"), ErrDuplicateKey)

	err := s.InTx(ctx, func(tx Tx) error {
		e, err := tx.GetTransactionByKey(ctx, "k1")
		if err != nil {
			return err
		}
		assert.Equal(t, "k1-tx", e.ID)
		_, err = tx.GetTransactionByKey(ctx, "k2")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	b, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Available)
}

func TestMemoryStore_ConcurrentTransactionsSerialize(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				bals, err := tx.LockBalances(ctx, "u2", "u1")
				if err != nil {
					return err
				}
				bals["u1"].Available++
				bals["u2"].Available--
				if err := tx.SaveBalance(ctx, bals["u1"]); err != nil {
					return err
				}
				return tx.SaveBalance(ctx, bals["u2"])
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u1, _ := s.GetBalance(ctx, "u1")
	u2, _ := s.GetBalance(ctx, "u2")
	assert.Equal(t, int64(100), u1.Available)
	assert.Equal(t, int64(-100), u2.Available)
	assert.Empty(t, s.locks.locks, "lock entries should be dropped once released")
}

func TestMemoryStore_LockWaitHonorsContext(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.LockBalances(ctx, "u1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.InTx(waitCtx, func(tx Tx) error {
		_, err := tx.LockBalances(waitCtx, "u1")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestMemoryStore_ListTransactionsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(t, credit(t, s, "u1", 200, k))
	}
	require.NoError(t, credit(t, s, "u2", 200, "other"))

	page, total, err := s.ListTransactions(ctx, "u1", model.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "k3-tx", page[0].ID)
	assert.Equal(t, "k2-tx", page[1].ID)

	page, _, err = s.ListTransactions(ctx, "u1", model.TransactionFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "k1-tx", page[0].ID)

	page, total, err = s.ListTransactions(ctx, "u1", model.TransactionFilter{Type: model.TxRefund})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)

	totals, err := s.LedgerTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), totals.Count)
	assert.Equal(t, int64(800), totals.ByType[model.TxPurchase])
}

func TestMemoryStore_BidWinningFlag(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAuction(t, s, "a1")

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.InsertBid(ctx, &model.Bid{ID: "b1", AuctionID: "a1", UserID: "u1", Amount: 110, IsWinning: true})
	}))
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		prev, err := tx.GetWinningBid(ctx, "a1")
		if err != nil {
			return err
		}
		assert.Equal(t, "b1", prev.ID)
		if err := tx.SetBidWinning(ctx, prev.ID, false); err != nil {
			return err
		}
		if err := tx.InsertBid(ctx, &model.Bid{ID: "b2", AuctionID: "a1", UserID: "u2", Amount: 120, IsWinning: true}); err != nil {
			return err
		}
		cur, err := tx.GetWinningBid(ctx, "a1")
		if err != nil {
			return err
		}
		assert.Equal(t, "b2", cur.ID)
		return nil
	}))

	bids, err := s.ListBids(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.False(t, bids[0].IsWinning)
	assert.True(t, bids[1].IsWinning)

	err = s.InTx(ctx, func(tx Tx) error { return tx.SetBidWinning(ctx, "nope", true) })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_OneOpenAuctionOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	order := func(id string) *model.PaymentOrder {
		return &model.PaymentOrder{
			ID: id, UserID: "u1", Kind: model.OrderAuctionPayment, AmountRL: 400,
			AuctionID: "a1", Status: model.OrderCreated,
		}
	}

	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.CreatePaymentOrder(ctx, order("o1")) }))
	err := s.InTx(ctx, func(tx Tx) error { return tx.CreatePaymentOrder(ctx, order("o2")) })
	require.ErrorIs(t, err, ErrDuplicateKey)

	err = s.InTx(ctx, func(tx Tx) error {
		open, err := tx.GetOpenAuctionOrder(ctx, "u1", "a1")
		if err != nil {
			return err
		}
		assert.Equal(t, "o1", open.ID)
		open.Status = model.OrderPaid
		if err := tx.UpdatePaymentOrder(ctx, open); err != nil {
			return err
		}
		// The staged payment already closes the order inside this unit.
		_, err = tx.GetOpenAuctionOrder(ctx, "u1", "a1")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.CreatePaymentOrder(ctx, order("o3")) }))
	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetOpenAuctionOrder(ctx, "u2", "a1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
