// Package ledger implements the RipLimit balance store and transaction
// ledger: every balance change is one immutable ledger entry plus the
// derived projection update, committed as a single store transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/riplimit/ledger-engine/internal/metrics"
	"github.com/riplimit/ledger-engine/internal/model"
	"github.com/riplimit/ledger-engine/internal/store"
)

// Default thresholds in RL.
const (
	DefaultMinPurchase = 200
	DefaultMinRefund   = 200
)

// Config holds the ledger thresholds.
type Config struct {
	MinPurchase int64
	MinRefund   int64
}

// Ledger applies balance-affecting operations.
type Ledger struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// New creates a ledger over st. Zero thresholds fall back to the defaults.
func New(st store.Store, cfg Config) *Ledger {
	if cfg.MinPurchase <= 0 {
		cfg.MinPurchase = DefaultMinPurchase
	}
	if cfg.MinRefund <= 0 {
		cfg.MinRefund = DefaultMinRefund
	}
	return &Ledger{
		store: st,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective thresholds.
func (l *Ledger) Config() Config {
	return l.cfg
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store {
	return l.store
}

// Batch is one store transaction together with the ledger entries written
// in it. Entries are observed only after the batch commits.
type Batch struct {
	tx      store.Tx
	entries []model.Transaction
}

// Tx returns the store transaction for non-ledger writes (auctions, bids,
// payment orders) that must commit with the batch.
func (b *Batch) Tx() store.Tx {
	return b.tx
}

// Entries returns the entries appended so far.
func (b *Batch) Entries() []model.Transaction {
	return b.entries
}

// Run executes fn inside one store transaction.
func (l *Ledger) Run(ctx context.Context, fn func(b *Batch) error) error {
	var batch *Batch
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		batch = &Batch{tx: tx}
		return fn(batch)
	})
	if err != nil {
		return err
	}
	for _, e := range batch.entries {
		metrics.LedgerEntriesTotal.WithLabelValues(string(e.Type)).Inc()
		amount := e.Figure()
		if amount < 0 {
			amount = -amount
		}
		metrics.LedgerVolume.WithLabelValues(string(e.Type)).Add(float64(amount))
	}
	return nil
}

func (l *Ledger) newEntry(userID string, typ model.TransactionType, amount int64, auctionID string) *model.Transaction {
	return &model.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      typ,
		Amount:    amount,
		AuctionID: auctionID,
		Status:    model.TxStatusCompleted,
		CreatedAt: l.now(),
	}
}

// post applies e to the locked balance bal and appends it. It is the only
// place a balance projection changes.
func (l *Ledger) post(ctx context.Context, b *Batch, bal *model.UserBalance, e *model.Transaction) error {
	dAvail, dBlocked, err := e.Deltas()
	if err != nil {
		return fmt.Errorf("post %s: %w", e.Type, err)
	}
	if bal.Available+dAvail < 0 {
		return fmt.Errorf("post %s for %s: %w", e.Type, bal.UserID, ErrInsufficientBalance)
	}
	if bal.Blocked+dBlocked < 0 {
		return fmt.Errorf("post %s for %s: blocked funds would go negative", e.Type, bal.UserID)
	}
	if err := b.tx.AppendTransaction(ctx, e); err != nil {
		return fmt.Errorf("append %s: %w", e.Type, err)
	}
	bal.Available += dAvail
	bal.Blocked += dBlocked
	bal.UpdatedAt = e.CreatedAt
	if err := b.tx.SaveBalance(ctx, bal); err != nil {
		return err
	}
	b.entries = append(b.entries, *e)
	return nil
}

func (l *Ledger) lockOne(ctx context.Context, b *Batch, userID string) (*model.UserBalance, error) {
	bals, err := b.tx.LockBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock balance %s: %w", userID, err)
	}
	return bals[userID], nil
}

// --- Credit ---

// Credit increases the user's available funds. A non-empty idempotencyKey
// that was already consumed yields *DuplicateTransactionError carrying the
// original entry.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, typ model.TransactionType, idempotencyKey string) (*model.Transaction, error) {
	var out *model.Transaction
	err := l.Run(ctx, func(b *Batch) error {
		e, err := l.CreditIn(ctx, b, userID, amount, typ, idempotencyKey)
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("balance credited", "user", userID, "amount", amount, "type", typ, "tx", out.ID)
	return out, nil
}

// CreditIn is Credit inside an existing batch.
func (l *Ledger) CreditIn(ctx context.Context, b *Batch, userID string, amount int64, typ model.TransactionType, idempotencyKey string) (*model.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	switch typ {
	case model.TxPurchase:
		if amount < l.cfg.MinPurchase {
			return nil, fmt.Errorf("%w: purchase of %d RL is below the minimum of %d RL", ErrInvalidAmount, amount, l.cfg.MinPurchase)
		}
	case model.TxAdjustment:
		if amount <= 0 {
			return nil, fmt.Errorf("%w: credit must be positive, got %d", ErrInvalidAmount, amount)
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a credit type", ErrValidation, typ)
	}

	if err := l.checkKey(ctx, b, idempotencyKey); err != nil {
		return nil, err
	}
	bal, err := l.lockOne(ctx, b, userID)
	if err != nil {
		return nil, err
	}
	e := l.newEntry(userID, typ, amount, "")
	e.IdempotencyKey = idempotencyKey
	if err := l.post(ctx, b, bal, e); err != nil {
		return nil, err
	}
	return e, nil
}

// checkKey locks idempotencyKey and reports a consumed key as
// *DuplicateTransactionError. It must run before any balance is locked.
func (l *Ledger) checkKey(ctx context.Context, b *Batch, idempotencyKey string) error {
	if idempotencyKey == "" {
		return nil
	}
	existing, err := b.tx.GetTransactionByKey(ctx, idempotencyKey)
	if err == nil {
		return &DuplicateTransactionError{Original: *existing}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check idempotency key: %w", err)
	}
	return nil
}

// --- Block / release ---

// Block reserves amount of the user's available funds against auctionID.
func (l *Ledger) Block(ctx context.Context, userID, auctionID string, amount int64) (*model.BlockRecord, error) {
	var out *model.BlockRecord
	err := l.Run(ctx, func(b *Batch) error {
		rec, err := l.BlockIn(ctx, b, userID, auctionID, amount)
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BlockIn is Block inside an existing batch. An existing block for the same
// auction is released first, so the record is overwritten without leaking
// funds.
func (l *Ledger) BlockIn(ctx context.Context, b *Batch, userID, auctionID string, amount int64) (*model.BlockRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: block must be positive, got %d", ErrInvalidAmount, amount)
	}
	bal, err := l.lockOne(ctx, b, userID)
	if err != nil {
		return nil, err
	}

	existing, err := b.tx.GetBlock(ctx, userID, auctionID)
	switch {
	case err == nil && existing.Locked:
		return nil, fmt.Errorf("block %s/%s: %w", userID, auctionID, ErrPaymentLocked)
	case err == nil:
		if err := l.release(ctx, b, bal, existing, "", "", ""); err != nil {
			return nil, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("get block: %w", err)
	}

	if bal.Available < amount {
		return nil, fmt.Errorf("%w: need %d RL, available %d RL", ErrInsufficientBalance, amount, bal.Available)
	}

	e := l.newEntry(userID, model.TxBidBlock, 0, auctionID)
	e.HeldAmount = amount
	if err := l.post(ctx, b, bal, e); err != nil {
		return nil, err
	}
	rec := &model.BlockRecord{
		UserID:    userID,
		AuctionID: auctionID,
		Amount:    amount,
		CreatedAt: e.CreatedAt,
	}
	if err := b.tx.PutBlock(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Release returns the user's block on auctionID to available funds. It is a
// no-op when no block exists, so outbid races may call it twice.
func (l *Ledger) Release(ctx context.Context, userID, auctionID string) error {
	return l.Run(ctx, func(b *Batch) error {
		_, err := l.ReleaseIn(ctx, b, userID, auctionID)
		return err
	})
}

// ReleaseIn is Release inside an existing batch. It returns the release
// entry, or nil when there was nothing to release. Payment locks are not
// released here; see ClearUnpaidAuction and SettleAuctionPayment.
func (l *Ledger) ReleaseIn(ctx context.Context, b *Batch, userID, auctionID string) (*model.Transaction, error) {
	bal, err := l.lockOne(ctx, b, userID)
	if err != nil {
		return nil, err
	}
	rec, err := b.tx.GetBlock(ctx, userID, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	if rec.Locked {
		return nil, fmt.Errorf("release %s/%s: %w", userID, auctionID, ErrPaymentLocked)
	}
	if err := l.release(ctx, b, bal, rec, "", "", ""); err != nil {
		return nil, err
	}
	return &b.entries[len(b.entries)-1], nil
}

func (l *Ledger) release(ctx context.Context, b *Batch, bal *model.UserBalance, rec *model.BlockRecord, actorID, reason, key string) error {
	e := l.newEntry(rec.UserID, model.TxBidRelease, 0, rec.AuctionID)
	e.HeldAmount = -rec.Amount
	e.ActorID = actorID
	e.Reason = reason
	e.IdempotencyKey = key
	if err := l.post(ctx, b, bal, e); err != nil {
		return err
	}
	return b.tx.DeleteBlock(ctx, rec.UserID, rec.AuctionID)
}

// --- Payment locks ---

// LockAsPayment converts the user's block on auctionID into a payment lock
// and flags the auction as unpaid. Locking twice is a no-op.
func (l *Ledger) LockAsPayment(ctx context.Context, userID, auctionID string) error {
	return l.Run(ctx, func(b *Batch) error {
		return l.LockAsPaymentIn(ctx, b, userID, auctionID)
	})
}

// LockAsPaymentIn is LockAsPayment inside an existing batch.
func (l *Ledger) LockAsPaymentIn(ctx context.Context, b *Batch, userID, auctionID string) error {
	bal, err := l.lockOne(ctx, b, userID)
	if err != nil {
		return err
	}
	rec, err := b.tx.GetBlock(ctx, userID, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no block for %s on auction %s", ErrNotFound, userID, auctionID)
	}
	if err != nil {
		return fmt.Errorf("get block: %w", err)
	}
	if rec.Locked {
		return nil
	}

	e := l.newEntry(userID, model.TxBidLock, 0, auctionID)
	e.LockAmount = rec.Amount
	bal.AddUnpaid(auctionID)
	if err := l.post(ctx, b, bal, e); err != nil {
		return err
	}
	rec.Locked = true
	return b.tx.PutBlock(ctx, rec)
}

// ClearUnpaidAuction is the administrative path that discharges a payment
// lock without a payment: the auction leaves the unpaid set and its locked
// funds return to available, attributed to adminID.
func (l *Ledger) ClearUnpaidAuction(ctx context.Context, adminID, userID, auctionID string) (*model.Transaction, error) {
	if adminID == "" {
		return nil, fmt.Errorf("%w: admin id is required", ErrAuthorization)
	}
	out, err := l.discharge(ctx, userID, auctionID, adminID, "unpaid auction cleared by admin", "")
	if err != nil {
		return nil, err
	}
	slog.Info("unpaid auction cleared", "admin", adminID, "user", userID, "auction", auctionID, "released", -out.HeldAmount)
	return out, nil
}

// SettleAuctionPayment discharges a payment lock after a verified external
// payment for the won auction.
func (l *Ledger) SettleAuctionPayment(ctx context.Context, userID, auctionID, paymentRef string) (*model.Transaction, error) {
	return l.discharge(ctx, userID, auctionID, paymentRef, SettleReason, "")
}

// SettleReason is recorded on releases that follow a verified payment.
const SettleReason = "auction payment settled"

func (l *Ledger) discharge(ctx context.Context, userID, auctionID, actorID, reason, key string) (*model.Transaction, error) {
	var out *model.Transaction
	err := l.Run(ctx, func(b *Batch) error {
		e, err := l.DischargeIn(ctx, b, userID, auctionID, actorID, reason, key)
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DischargeIn removes auctionID from the user's unpaid set and releases its
// payment lock inside an existing batch. A non-empty idempotencyKey is
// consumed by the release entry.
func (l *Ledger) DischargeIn(ctx context.Context, b *Batch, userID, auctionID, actorID, reason, idempotencyKey string) (*model.Transaction, error) {
	if err := l.checkKey(ctx, b, idempotencyKey); err != nil {
		return nil, err
	}
	bal, err := l.lockOne(ctx, b, userID)
	if err != nil {
		return nil, err
	}
	if !bal.RemoveUnpaid(auctionID) {
		return nil, fmt.Errorf("%w: auction %s is not unpaid for %s", ErrNotFound, auctionID, userID)
	}

	rec, err := b.tx.GetBlock(ctx, userID, auctionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// The flag outlived its lock; record the discharge anyway.
		rec = &model.BlockRecord{UserID: userID, AuctionID: auctionID}
	case err != nil:
		return nil, fmt.Errorf("get block: %w", err)
	}
	if err := l.release(ctx, b, bal, rec, actorID, reason, idempotencyKey); err != nil {
		return nil, err
	}
	return &b.entries[len(b.entries)-1], nil
}

// --- Refund / adjust ---

// Refund withdraws amount of available funds back to the payment
// collaborator.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64) (*model.Transaction, error) {
	if amount < l.cfg.MinRefund {
		return nil, fmt.Errorf("%w: refund of %d RL is below the minimum of %d RL", ErrInvalidAmount, amount, l.cfg.MinRefund)
	}

	var out *model.Transaction
	err := l.Run(ctx, func(b *Batch) error {
		bal, err := l.lockOne(ctx, b, userID)
		if err != nil {
			return err
		}
		if err := CheckCanRefund(bal); err != nil {
			return err
		}
		if amount > bal.Available {
			return fmt.Errorf("%w: refund of %d RL exceeds available %d RL", ErrInsufficientBalance, amount, bal.Available)
		}
		out = l.newEntry(userID, model.TxRefund, -amount, "")
		return l.post(ctx, b, bal, out)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("refund recorded", "user", userID, "amount", amount, "tx", out.ID)
	return out, nil
}

// Adjust applies an administrative correction. It never clamps: a delta
// that would leave available funds negative fails.
func (l *Ledger) Adjust(ctx context.Context, adminID, userID string, delta int64, reason string) (*model.Transaction, error) {
	switch {
	case adminID == "":
		return nil, fmt.Errorf("%w: admin id is required", ErrAuthorization)
	case userID == "":
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	case delta == 0:
		return nil, fmt.Errorf("%w: delta must be non-zero", ErrInvalidAmount)
	case reason == "":
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}

	var out *model.Transaction
	err := l.Run(ctx, func(b *Batch) error {
		bal, err := l.lockOne(ctx, b, userID)
		if err != nil {
			return err
		}
		if bal.Available+delta < 0 {
			return fmt.Errorf("%w: available %d RL, delta %d RL", ErrNegativeBalance, bal.Available, delta)
		}
		out = l.newEntry(userID, model.TxAdjustment, delta, "")
		out.ActorID = adminID
		out.Reason = reason
		return l.post(ctx, b, bal, out)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("balance adjusted", "admin", adminID, "user", userID, "delta", delta, "reason", reason, "tx", out.ID)
	return out, nil
}

// --- Queries ---

// BalanceView is a user's balance with the per-auction breakdown.
type BalanceView struct {
	UserID            string              `json:"user_id"`
	Available         int64               `json:"available"`
	Blocked           int64               `json:"blocked"`
	Blocks            []model.BlockRecord `json:"per_auction_blocks"`
	HasUnpaidAuctions bool                `json:"has_unpaid_auctions"`
	UnpaidAuctionIDs  []string            `json:"unpaid_auction_ids"`
}

// Balance returns the user's balance and active blocks.
func (l *Ledger) Balance(ctx context.Context, userID string) (*BalanceView, error) {
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	blocks, err := l.store.ListBlocks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	if blocks == nil {
		blocks = []model.BlockRecord{}
	}
	unpaid := bal.UnpaidAuctionIDs
	if unpaid == nil {
		unpaid = []string{}
	}
	return &BalanceView{
		UserID:            userID,
		Available:         bal.Available,
		Blocked:           bal.Blocked,
		Blocks:            blocks,
		HasUnpaidAuctions: bal.HasUnpaidAuctions(),
		UnpaidAuctionIDs:  unpaid,
	}, nil
}

// Page limits for Transactions.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Transactions returns a page of the user's ledger, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, f model.TransactionFilter) ([]model.Transaction, int64, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown transaction type %q", ErrValidation, f.Type)
	}
	if f.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset", ErrValidation)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	txns, total, err := l.store.ListTransactions(ctx, userID, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return txns, total, nil
}
