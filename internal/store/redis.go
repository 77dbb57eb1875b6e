package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riplimit/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balances and auctions. Transactions go to the primary store and
// write every balance and auction they touched through once they commit.
//
// Each entry is a hash of the value and its version. Fills never replace a
// newer version, so a reader that loaded the primary before a commit cannot
// put the older value back. Cached auctions are still only an optimistic
// snapshot; writes are conditional on the version.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched *touchingTx
	err := s.primary.InTx(ctx, func(tx Tx) error {
		touched = &touchingTx{Tx: tx}
		return fn(touched)
	})
	if err != nil || touched == nil {
		return err
	}

	for id, b := range touched.balances {
		s.refresh(ctx, balanceKey(id), b.Version, b)
	}
	for id, a := range touched.auctions {
		s.refresh(ctx, auctionKey(id), a.Version, a)
	}
	return nil
}

func (s *CachedStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.CreateAuction(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionKey(a.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	data, err := s.rdb.HGet(ctx, balanceKey(userID), fieldData).Bytes()
	if err == nil {
		var b model.UserBalance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: read from primary.
	b, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, balanceKey(userID), b.Version, b)
	return b, nil
}

func (s *CachedStore) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	data, err := s.rdb.HGet(ctx, auctionKey(id), fieldData).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, auctionKey(id), a.Version, a)
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBalances(ctx context.Context) ([]model.UserBalance, error) {
	return s.primary.ListBalances(ctx)
}

func (s *CachedStore) ListBlocks(ctx context.Context, userID string) ([]model.BlockRecord, error) {
	return s.primary.ListBlocks(ctx, userID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string, f model.TransactionFilter) ([]model.Transaction, int64, error) {
	return s.primary.ListTransactions(ctx, userID, f)
}

func (s *CachedStore) UserLedger(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.UserLedger(ctx, userID)
}

func (s *CachedStore) LedgerTotals(ctx context.Context) (model.LedgerTotals, error) {
	return s.primary.LedgerTotals(ctx)
}

func (s *CachedStore) ListAuctions(ctx context.Context, statuses ...model.AuctionStatus) ([]model.Auction, error) {
	return s.primary.ListAuctions(ctx, statuses...)
}

func (s *CachedStore) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	return s.primary.ListBids(ctx, auctionID)
}

func (s *CachedStore) GetPaymentOrder(ctx context.Context, id string) (*model.PaymentOrder, error) {
	return s.primary.GetPaymentOrder(ctx, id)
}

// touchingTx records the last balances and auctions a transaction wrote.
type touchingTx struct {
	Tx
	balances map[string]*model.UserBalance
	auctions map[string]*model.Auction
}

func (t *touchingTx) UpdateAuction(ctx context.Context, a *model.Auction, expectedVersion int64) error {
	if err := t.Tx.UpdateAuction(ctx, a, expectedVersion); err != nil {
		return err
	}
	if t.auctions == nil {
		t.auctions = make(map[string]*model.Auction)
	}
	written := *a
	t.auctions[a.ID] = &written
	return nil
}

func (t *touchingTx) SaveBalance(ctx context.Context, b *model.UserBalance) error {
	if err := t.Tx.SaveBalance(ctx, b); err != nil {
		return err
	}
	if t.balances == nil {
		t.balances = make(map[string]*model.UserBalance)
	}
	t.balances[b.UserID] = b.Clone()
	return nil
}

// --- Cache helpers ---

const (
	fieldVersion = "v"
	fieldData    = "d"
)

// setIfNewer stores ARGV[2] at version ARGV[1] unless the key already holds
// that version or a later one. ARGV[3] is the TTL in milliseconds.
var setIfNewer = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if v and tonumber(v) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// fill caches v at version unless something newer is already cached. It
// reports whether the entry was written.
func (s *CachedStore) fill(ctx context.Context, key string, version int64, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	n, err := setIfNewer.Run(ctx, s.rdb, []string{key}, version, data, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// refresh writes a committed value through. When that fails the entry is
// dropped instead, so readers go back to the primary.
func (s *CachedStore) refresh(ctx context.Context, key string, version int64, v any) {
	if _, err := s.fill(ctx, key, version, v); err != nil {
		slog.Warn("cache refresh failed", "key", key, "err", err)
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			slog.Warn("cache invalidation failed", "key", key, "err", err)
		}
	}
}

func balanceKey(uid string) string { return fmt.Sprintf("balance:%s", uid) }
func auctionKey(id string) string  { return fmt.Sprintf("auction:%s", id) }

// Uncached returns the primary store behind s, or s itself. Callers that
// must not act on a cached snapshot (for example a retry after a version
// conflict) read through it.
func Uncached(s Store) Store {
	if c, ok := s.(*CachedStore); ok {
		return c.primary
	}
	return s
}
