package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCached(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_BalanceReadThrough(t *testing.T) {
	c, primary, mr := newCached(t)
	ctx := context.Background()
	require.NoError(t, credit(t, primary, "u1", 100, "k1"))

	b, err := c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Available)
	assert.True(t, mr.Exists(balanceKey("u1")))
	assert.Equal(t, time.Minute, mr.TTL(balanceKey("u1")))

	// A write that bypasses the cache is not seen until the entry goes.
	require.NoError(t, credit(t, primary, "u1", 50, "k2"))
	b, err = c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Available)

	fresh, err := Uncached(c).GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), fresh.Available)

	mr.FastForward(2 * time.Minute)
	b, err = c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.Available)
}

func TestCachedStore_CommitWritesThrough(t *testing.T) {
	c, _, mr := newCached(t)
	ctx := context.Background()
	seedAuction(t, c, "a1")

	_, err := c.GetAuction(ctx, "a1")
	require.NoError(t, err)
	_, err = c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "1", mr.HGet(auctionKey("a1"), fieldVersion))
	require.Equal(t, "0", mr.HGet(balanceKey("u1"), fieldVersion))

	err = c.InTx(ctx, func(tx Tx) error {
		a, err := tx.GetAuctionForUpdate(ctx, "a1")
		if err != nil {
			return err
		}
		a.CurrentBid = 300
		if err := tx.UpdateAuction(ctx, a, a.Version); err != nil {
			return err
		}
		bals, err := tx.LockBalances(ctx, "u1")
		if err != nil {
			return err
		}
		bals["u1"].Available = 42
		return tx.SaveBalance(ctx, bals["u1"])
	})
	require.NoError(t, err)
	assert.Equal(t, "2", mr.HGet(auctionKey("a1"), fieldVersion))
	assert.Equal(t, "1", mr.HGet(balanceKey("u1"), fieldVersion))
	assert.Equal(t, time.Minute, mr.TTL(balanceKey("u1")))

	a, err := c.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), a.CurrentBid)
	assert.Equal(t, int64(2), a.Version)
	b, err := c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.Available)
}

// A reader that loaded the primary before a commit must not put its older
// value back once the commit has refreshed the entry.
func TestCachedStore_LateFillKeepsNewerEntry(t *testing.T) {
	c, primary, _ := newCached(t)
	ctx := context.Background()
	seedAuction(t, c, "a1")
	require.NoError(t, credit(t, c, "u1", 100, "k1"))

	oldBalance, err := primary.GetBalance(ctx, "u1")
	require.NoError(t, err)
	oldAuction, err := primary.GetAuction(ctx, "a1")
	require.NoError(t, err)

	require.NoError(t, credit(t, c, "u1", 50, "k2"))
	err = c.InTx(ctx, func(tx Tx) error {
		a, err := tx.GetAuctionForUpdate(ctx, "a1")
		if err != nil {
			return err
		}
		a.CurrentBid = 250
		return tx.UpdateAuction(ctx, a, a.Version)
	})
	require.NoError(t, err)

	wrote, err := c.fill(ctx, balanceKey("u1"), oldBalance.Version, oldBalance)
	require.NoError(t, err)
	assert.False(t, wrote)
	wrote, err = c.fill(ctx, auctionKey("a1"), oldAuction.Version, oldAuction)
	require.NoError(t, err)
	assert.False(t, wrote)

	b, err := c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.Available)
	a, err := c.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), a.CurrentBid)

	// With the entry gone a fill lands again.
	require.NoError(t, c.rdb.Del(ctx, balanceKey("u1")).Err())
	wrote, err = c.fill(ctx, balanceKey("u1"), oldBalance.Version, oldBalance)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestCachedStore_RollbackKeepsCache(t *testing.T) {
	c, _, mr := newCached(t)
	ctx := context.Background()
	_, err := c.GetBalance(ctx, "u1")
	require.NoError(t, err)

	err = c.InTx(ctx, func(tx Tx) error {
		bals, err := tx.LockBalances(ctx, "u1")
		if err != nil {
			return err
		}
		bals["u1"].Available = 7
		if err := tx.SaveBalance(ctx, bals["u1"]); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	assert.True(t, mr.Exists(balanceKey("u1")))

	b, err := c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, b.Available)
}

func TestCachedStore_CorruptEntryFallsBack(t *testing.T) {
	c, primary, mr := newCached(t)
	ctx := context.Background()
	require.NoError(t, credit(t, primary, "u1", 100, "k1"))
	mr.HSet(balanceKey("u1"), fieldData, "{not json")

	b, err := c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Available)

	// An entry of the wrong type is bypassed as well.
	mr.Del(balanceKey("u1"))
	require.NoError(t, mr.Set(balanceKey("u1"), "{not json"))
	b, err = c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Available)
}

func TestCachedStore_GetAuctionNotFound(t *testing.T) {
	c, _, mr := newCached(t)
	_, err := c.GetAuction(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists(auctionKey("missing")))
}
