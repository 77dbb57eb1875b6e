package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/riplimit/ledger-engine/internal/model"
)

type blockKey struct {
	userID    string
	auctionID string
}

type bidRef struct {
	auctionID string
	index     int
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take per-key locks in the global order and stage their
// writes; commit applies them under the store mutex, so readers never see
// a half-applied transaction.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*model.UserBalance
	blocks   map[blockKey]*model.BlockRecord
	ledger   []model.Transaction
	keys     map[string]int // idempotency key -> ledger index
	auctions map[string]*model.Auction
	bids     map[string][]model.Bid
	bidIndex map[string]bidRef
	orders   map[string]*model.PaymentOrder

	locks *keyLocks
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*model.UserBalance),
		blocks:   make(map[blockKey]*model.BlockRecord),
		keys:     make(map[string]int),
		auctions: make(map[string]*model.Auction),
		bids:     make(map[string][]model.Bid),
		bidIndex: make(map[string]bidRef),
		orders:   make(map[string]*model.PaymentOrder),
		locks:    newKeyLocks(),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := newMemTx(s)
	defer tx.unlockAll()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.UserBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return &model.UserBalance{UserID: userID}, nil
	}
	return b.Clone(), nil
}

func (s *MemoryStore) ListBalances(_ context.Context) ([]model.UserBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.UserBalance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, *b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListBlocks(_ context.Context, userID string) ([]model.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.BlockRecord
	for k, b := range s.blocks {
		if k.userID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuctionID < out[j].AuctionID })
	return out, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, f model.TransactionFilter) ([]model.Transaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Transaction
	for i := len(s.ledger) - 1; i >= 0; i-- {
		e := s.ledger[i]
		if e.UserID != userID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		matched = append(matched, e)
	}

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []model.Transaction{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) UserLedger(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) LedgerTotals(_ context.Context) (model.LedgerTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := model.LedgerTotals{ByType: make(map[model.TransactionType]int64)}
	for _, e := range s.ledger {
		totals.ByType[e.Type] += e.Figure()
		totals.Count++
	}
	return totals, nil
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[a.ID]; exists {
		return fmt.Errorf("create auction %s: %w", a.ID, ErrDuplicateKey)
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.auctions[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAuctions(_ context.Context, statuses ...model.AuctionStatus) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		if len(statuses) > 0 && !slices.Contains(statuses, a.Status) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (s *MemoryStore) ListBids(_ context.Context, auctionID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.bids[auctionID]), nil
}

func (s *MemoryStore) GetPaymentOrder(_ context.Context, id string) (*model.PaymentOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("payment order %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

// --- Transactions ---

const (
	classAuction = iota
	classOrder
	classKey
	classUser
)

// memTx stages writes until commit. Every read checks the staged state
// before falling back to committed data.
type memTx struct {
	s *MemoryStore

	order lockOrder
	held  []string

	balances map[string]*model.UserBalance
	dirty    map[string]bool
	blocks   map[blockKey]*model.BlockRecord // nil value marks a delete
	auctions map[string]*model.Auction
	bids     []model.Bid
	winning  map[string]bool
	orders   map[string]*model.PaymentOrder
	txns     []model.Transaction
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:        s,
		order:    newLockOrder(),
		balances: make(map[string]*model.UserBalance),
		dirty:    make(map[string]bool),
		blocks:   make(map[blockKey]*model.BlockRecord),
		auctions: make(map[string]*model.Auction),
		winning:  make(map[string]bool),
		orders:   make(map[string]*model.PaymentOrder),
	}
}

func (t *memTx) lock(ctx context.Context, class int, id string) error {
	held, err := t.order.admit(class, id)
	if err != nil || held {
		return err
	}
	key := lockName(class, id)
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	t.held = append(t.held, key)
	t.order.record(class, id)
	return nil
}

func (t *memTx) unlockAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range t.dirty {
		s.balances[id] = t.balances[id].Clone()
	}
	for k, b := range t.blocks {
		if b == nil {
			delete(s.blocks, k)
			continue
		}
		copy := *b
		s.blocks[k] = &copy
	}
	for id, a := range t.auctions {
		copy := *a
		s.auctions[id] = &copy
	}
	for _, b := range t.bids {
		s.bidIndex[b.ID] = bidRef{auctionID: b.AuctionID, index: len(s.bids[b.AuctionID])}
		s.bids[b.AuctionID] = append(s.bids[b.AuctionID], b)
	}
	for id, w := range t.winning {
		if ref, ok := s.bidIndex[id]; ok {
			s.bids[ref.auctionID][ref.index].IsWinning = w
		}
	}
	for id, o := range t.orders {
		copy := *o
		s.orders[id] = &copy
	}
	for _, e := range t.txns {
		if e.IdempotencyKey != "" {
			s.keys[e.IdempotencyKey] = len(s.ledger)
		}
		s.ledger = append(s.ledger, e)
	}
}

func (t *memTx) auctionView(id string) (*model.Auction, bool) {
	if a, ok := t.auctions[id]; ok {
		copy := *a
		return &copy, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.auctions[id]
	if !ok {
		return nil, false
	}
	copy := *a
	return &copy, true
}

func (t *memTx) GetAuctionForUpdate(ctx context.Context, id string) (*model.Auction, error) {
	if err := t.lock(ctx, classAuction, id); err != nil {
		return nil, err
	}
	a, ok := t.auctionView(id)
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (t *memTx) UpdateAuction(ctx context.Context, a *model.Auction, expectedVersion int64) error {
	if err := t.lock(ctx, classAuction, a.ID); err != nil {
		return err
	}
	current, ok := t.auctionView(a.ID)
	if !ok {
		return fmt.Errorf("update auction %s: %w", a.ID, ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("update auction %s at version %d: %w", a.ID, expectedVersion, ErrVersionConflict)
	}
	a.Version = expectedVersion + 1
	copy := *a
	t.auctions[a.ID] = &copy
	return nil
}

// bidsFor merges committed and staged bids with staged flag changes applied.
func (t *memTx) bidsFor(auctionID string) []model.Bid {
	t.s.mu.RLock()
	bids := slices.Clone(t.s.bids[auctionID])
	t.s.mu.RUnlock()

	for _, b := range t.bids {
		if b.AuctionID == auctionID {
			bids = append(bids, b)
		}
	}
	for i := range bids {
		if w, ok := t.winning[bids[i].ID]; ok {
			bids[i].IsWinning = w
		}
	}
	return bids
}

func (t *memTx) GetWinningBid(_ context.Context, auctionID string) (*model.Bid, error) {
	bids := t.bidsFor(auctionID)
	for i := len(bids) - 1; i >= 0; i-- {
		if bids[i].IsWinning {
			b := bids[i]
			return &b, nil
		}
	}
	return nil, fmt.Errorf("winning bid for auction %s: %w", auctionID, ErrNotFound)
}

func (t *memTx) InsertBid(_ context.Context, b *model.Bid) error {
	t.bids = append(t.bids, *b)
	return nil
}

func (t *memTx) SetBidWinning(_ context.Context, bidID string, winning bool) error {
	for i := range t.bids {
		if t.bids[i].ID == bidID {
			t.bids[i].IsWinning = winning
			return nil
		}
	}
	t.s.mu.RLock()
	_, ok := t.s.bidIndex[bidID]
	t.s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bid %s: %w", bidID, ErrNotFound)
	}
	t.winning[bidID] = winning
	return nil
}

func (t *memTx) CreatePaymentOrder(ctx context.Context, o *model.PaymentOrder) error {
	if err := t.lock(ctx, classOrder, o.ID); err != nil {
		return err
	}
	if _, err := t.orderView(o.ID); err == nil {
		return fmt.Errorf("create payment order %s: %w", o.ID, ErrDuplicateKey)
	}
	if isOpenAuctionOrder(o, o.UserID, o.AuctionID) {
		if open, err := t.GetOpenAuctionOrder(ctx, o.UserID, o.AuctionID); err == nil {
			return fmt.Errorf("create payment order %s: %s is open: %w", o.ID, open.ID, ErrDuplicateKey)
		}
	}
	copy := *o
	t.orders[o.ID] = &copy
	return nil
}

func (t *memTx) GetOpenAuctionOrder(_ context.Context, userID, auctionID string) (*model.PaymentOrder, error) {
	for _, o := range t.orders {
		if isOpenAuctionOrder(o, userID, auctionID) {
			copy := *o
			return &copy, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for id, o := range t.s.orders {
		if _, staged := t.orders[id]; staged {
			continue
		}
		if isOpenAuctionOrder(o, userID, auctionID) {
			copy := *o
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("open order for %s/%s: %w", userID, auctionID, ErrNotFound)
}

func isOpenAuctionOrder(o *model.PaymentOrder, userID, auctionID string) bool {
	return o.Kind == model.OrderAuctionPayment && o.Status == model.OrderCreated &&
		o.UserID == userID && o.AuctionID == auctionID
}

func (t *memTx) orderView(id string) (*model.PaymentOrder, error) {
	if o, ok := t.orders[id]; ok {
		copy := *o
		return &copy, nil
	}
	return t.s.GetPaymentOrder(context.Background(), id)
}

func (t *memTx) GetPaymentOrderForUpdate(ctx context.Context, id string) (*model.PaymentOrder, error) {
	if err := t.lock(ctx, classOrder, id); err != nil {
		return nil, err
	}
	return t.orderView(id)
}

func (t *memTx) UpdatePaymentOrder(ctx context.Context, o *model.PaymentOrder) error {
	if err := t.lock(ctx, classOrder, o.ID); err != nil {
		return err
	}
	if _, err := t.orderView(o.ID); err != nil {
		return err
	}
	copy := *o
	t.orders[o.ID] = &copy
	return nil
}

func (t *memTx) GetTransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	if err := t.lock(ctx, classKey, key); err != nil {
		return nil, err
	}
	for _, e := range t.txns {
		if e.IdempotencyKey == key {
			return &e, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if i, ok := t.s.keys[key]; ok {
		e := t.s.ledger[i]
		return &e, nil
	}
	return nil, fmt.Errorf("transaction with key %s: %w", key, ErrNotFound)
}

func (t *memTx) LockBalances(ctx context.Context, userIDs ...string) (map[string]*model.UserBalance, error) {
	ids := sortedUnique(userIDs)
	out := make(map[string]*model.UserBalance, len(ids))
	for _, id := range ids {
		if err := t.lock(ctx, classUser, id); err != nil {
			return nil, err
		}
		b, ok := t.balances[id]
		if !ok {
			t.s.mu.RLock()
			committed, exists := t.s.balances[id]
			t.s.mu.RUnlock()
			if exists {
				b = committed.Clone()
			} else {
				b = &model.UserBalance{UserID: id}
			}
			t.balances[id] = b
		}
		out[id] = b
	}
	return out, nil
}

func (t *memTx) SaveBalance(_ context.Context, b *model.UserBalance) error {
	if _, ok := t.balances[b.UserID]; !ok {
		return fmt.Errorf("save balance %s: not locked: %w", b.UserID, ErrLockOrder)
	}
	b.Version++
	t.balances[b.UserID] = b
	t.dirty[b.UserID] = true
	return nil
}

func (t *memTx) GetBlock(_ context.Context, userID, auctionID string) (*model.BlockRecord, error) {
	k := blockKey{userID: userID, auctionID: auctionID}
	if b, ok := t.blocks[k]; ok {
		if b == nil {
			return nil, fmt.Errorf("block %s/%s: %w", userID, auctionID, ErrNotFound)
		}
		copy := *b
		return &copy, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	b, ok := t.s.blocks[k]
	if !ok {
		return nil, fmt.Errorf("block %s/%s: %w", userID, auctionID, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (t *memTx) PutBlock(_ context.Context, b *model.BlockRecord) error {
	copy := *b
	t.blocks[blockKey{userID: b.UserID, auctionID: b.AuctionID}] = &copy
	return nil
}

func (t *memTx) DeleteBlock(_ context.Context, userID, auctionID string) error {
	t.blocks[blockKey{userID: userID, auctionID: auctionID}] = nil
	return nil
}

func (t *memTx) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	if e.IdempotencyKey != "" {
		if _, err := t.GetTransactionByKey(ctx, e.IdempotencyKey); err == nil {
			return fmt.Errorf("append transaction %s: %w", e.IdempotencyKey, ErrDuplicateKey)
		} else if !isNotFound(err) {
			return err
		}
	}
	t.txns = append(t.txns, *e)
	return nil
}
