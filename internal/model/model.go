// Package model defines the core domain types shared across the ledger engine.
// All RipLimit amounts are integer RL units; INR values only appear at the
// payment boundary and use shopspring/decimal there.
package model

import (
	"errors"
	"slices"
	"time"
)

// RLPerINR is the fixed conversion rate between RipLimit and rupees.
const RLPerINR = 20

// ErrUnknownTransactionType is returned when a transaction carries a type
// outside the closed set below.
var ErrUnknownTransactionType = errors.New("model: unknown transaction type")

// TransactionType is the closed set of balance-affecting ledger events.
type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"
	TxBidBlock   TransactionType = "bid_block"
	TxBidRelease TransactionType = "bid_release"
	TxBidLock    TransactionType = "bid_lock"
	TxRefund     TransactionType = "refund"
	TxAdjustment TransactionType = "adjustment"
)

// TransactionTypes lists every valid type, in display order.
var TransactionTypes = []TransactionType{
	TxPurchase, TxBidBlock, TxBidRelease, TxBidLock, TxRefund, TxAdjustment,
}

// Valid reports whether t belongs to the closed set.
func (t TransactionType) Valid() bool {
	return slices.Contains(TransactionTypes, t)
}

// TransactionStatus of a ledger entry. Entries are written in their final
// state; pending purchases live in PaymentOrder, not in the ledger.
type TransactionStatus string

const (
	TxStatusCompleted TransactionStatus = "completed"
)

// Transaction is an immutable ledger entry. Once appended it is never
// modified or deleted.
type Transaction struct {
	ID             string            `json:"id" db:"id"`
	UserID         string            `json:"user_id" db:"user_id"`
	Type           TransactionType   `json:"type" db:"type"`
	Amount         int64             `json:"amount" db:"amount"`                     // signed effect on available+blocked
	HeldAmount     int64             `json:"held_amount,omitempty" db:"held_amount"` // signed effect on blocked
	LockAmount     int64             `json:"lock_amount,omitempty" db:"lock_amount"` // bid_lock only
	AuctionID      string            `json:"auction_id,omitempty" db:"auction_id"`
	ActorID        string            `json:"actor_id,omitempty" db:"actor_id"` // admin or payment reference
	Reason         string            `json:"reason,omitempty" db:"reason"`
	IdempotencyKey string            `json:"-" db:"idempotency_key"`
	Status         TransactionStatus `json:"status" db:"status"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// Deltas returns the change this entry applies to (available, blocked).
// It is the single exhaustive interpretation of the transaction union;
// balances, reconciliation and reporting all go through it.
func (t Transaction) Deltas() (available, blocked int64, err error) {
	switch t.Type {
	case TxPurchase, TxRefund, TxAdjustment:
		return t.Amount, 0, nil
	case TxBidBlock, TxBidRelease:
		// block holds +a, release -a; the total does not move.
		return t.Amount - t.HeldAmount, t.HeldAmount, nil
	case TxBidLock:
		return 0, 0, nil
	default:
		return 0, 0, ErrUnknownTransactionType
	}
}

// Figure is the signed quantity an entry contributes to per-type totals:
// Amount for funding entries, HeldAmount for block and release, LockAmount
// for bid_lock.
func (t Transaction) Figure() int64 {
	switch t.Type {
	case TxBidBlock, TxBidRelease:
		return t.HeldAmount
	case TxBidLock:
		return t.LockAmount
	default:
		return t.Amount
	}
}

// UserBalance is the materialized projection of a user's ledger.
type UserBalance struct {
	UserID           string    `json:"user_id" db:"user_id"`
	Available        int64     `json:"available" db:"available"`
	Blocked          int64     `json:"blocked" db:"blocked"`
	UnpaidAuctionIDs []string  `json:"unpaid_auction_ids" db:"unpaid_auction_ids"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
	Version          int64     `json:"version" db:"version"` // bumped by every save
}

// HasUnpaidAuctions reports whether the user has won auctions awaiting payment.
func (b *UserBalance) HasUnpaidAuctions() bool {
	return len(b.UnpaidAuctionIDs) > 0
}

// Total is available plus blocked funds.
func (b *UserBalance) Total() int64 {
	return b.Available + b.Blocked
}

// AddUnpaid adds auctionID to the unpaid set. Adding twice is a no-op.
func (b *UserBalance) AddUnpaid(auctionID string) {
	if !slices.Contains(b.UnpaidAuctionIDs, auctionID) {
		b.UnpaidAuctionIDs = append(b.UnpaidAuctionIDs, auctionID)
	}
}

// RemoveUnpaid removes auctionID and reports whether it was present.
func (b *UserBalance) RemoveUnpaid(auctionID string) bool {
	i := slices.Index(b.UnpaidAuctionIDs, auctionID)
	if i < 0 {
		return false
	}
	b.UnpaidAuctionIDs = slices.Delete(b.UnpaidAuctionIDs, i, i+1)
	return true
}

// Clone returns a deep copy.
func (b *UserBalance) Clone() *UserBalance {
	c := *b
	c.UnpaidAuctionIDs = slices.Clone(b.UnpaidAuctionIDs)
	return &c
}

// BlockRecord reserves part of a user's funds against one auction. Locked
// records are payment locks held after winning; their funds stay blocked.
type BlockRecord struct {
	UserID    string    `json:"user_id" db:"user_id"`
	AuctionID string    `json:"auction_id" db:"auction_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Locked    bool      `json:"locked" db:"locked"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionUpcoming  AuctionStatus = "upcoming"
	AuctionLive      AuctionStatus = "live"
	AuctionEnded     AuctionStatus = "ended"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionEnded || s == AuctionCancelled
}

// Auction is owned by the catalog; this engine updates the current bid,
// the winner and status transitions. Version is bumped on every write and
// serves as the compare-and-swap token.
type Auction struct {
	ID               string        `json:"id" db:"id"`
	SellerID         string        `json:"seller_id" db:"seller_id"`
	Status           AuctionStatus `json:"status" db:"status"`
	CurrentBid       int64         `json:"current_bid" db:"current_bid"`
	CurrentBidderID  string        `json:"current_bidder_id,omitempty" db:"current_bidder_id"`
	MinimumIncrement int64         `json:"minimum_increment" db:"minimum_increment"`
	ReservePrice     *int64        `json:"reserve_price,omitempty" db:"reserve_price"`
	BuyoutPrice      *int64        `json:"buyout_price,omitempty" db:"buyout_price"`
	StartTime        time.Time     `json:"start_time" db:"start_time"`
	EndTime          time.Time     `json:"end_time" db:"end_time"`
	WinnerID         string        `json:"winner_id,omitempty" db:"winner_id"`
	Version          int64         `json:"version" db:"version"`
}

// ReserveMet reports whether the current bid satisfies the reserve price.
func (a *Auction) ReserveMet() bool {
	return a.ReservePrice == nil || a.CurrentBid >= *a.ReservePrice
}

// Bid is an accepted bid. Only IsWinning changes after creation.
type Bid struct {
	ID            string    `json:"id" db:"id"`
	AuctionID     string    `json:"auction_id" db:"auction_id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Amount        int64     `json:"amount" db:"amount"`
	BlockedAmount int64     `json:"blocked_amount" db:"blocked_amount"` // RL reserved for this bid
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	IsWinning     bool      `json:"is_winning" db:"is_winning"`
}

// PaymentOrderKind distinguishes what a verified payment pays for.
type PaymentOrderKind string

const (
	OrderPurchase       PaymentOrderKind = "riplimit_purchase"
	OrderAuctionPayment PaymentOrderKind = "auction_payment"
)

// PaymentOrderStatus tracks an external payment order.
type PaymentOrderStatus string

const (
	OrderCreated PaymentOrderStatus = "created"
	OrderPaid    PaymentOrderStatus = "paid"
)

// PaymentOrder is a pending external payment created at the gateway.
type PaymentOrder struct {
	ID            string             `json:"id" db:"id"`
	UserID        string             `json:"user_id" db:"user_id"`
	Kind          PaymentOrderKind   `json:"kind" db:"kind"`
	AmountRL      int64              `json:"amount_rl" db:"amount_rl"`
	AmountPaise   int64              `json:"amount_paise" db:"amount_paise"`
	AuctionID     string             `json:"auction_id,omitempty" db:"auction_id"`
	Status        PaymentOrderStatus `json:"status" db:"status"`
	TransactionID string             `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
}

// TransactionFilter selects a page of a user's ledger, newest first.
type TransactionFilter struct {
	Type   TransactionType // empty means all types
	Limit  int
	Offset int
}

// LedgerTotals are sums over the whole ledger, grouped by transaction type.
type LedgerTotals struct {
	ByType map[TransactionType]int64 // Σ Figure
	Count  int64
}
