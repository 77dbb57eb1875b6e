// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/riplimit/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by UpdateAuction when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrDuplicateKey is returned when an idempotency key or unique id is
	// already taken.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrLockOrder is returned when a transaction asks for locks out of
	// the global order (auction, payment order, idempotency key, balance).
	ErrLockOrder = errors.New("store: lock acquired out of order")
)

// Store is the persistence interface. Every balance-affecting change goes
// through InTx so the ledger append and the projection update commit together.
type Store interface {
	// InTx runs fn inside a single atomic unit. fn's writes become visible
	// only if it returns nil; any error rolls the whole unit back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Balance projection ---

	// GetBalance returns the user's balance. Unknown users have a zero balance.
	GetBalance(ctx context.Context, userID string) (*model.UserBalance, error)

	// ListBalances returns every stored balance.
	ListBalances(ctx context.Context) ([]model.UserBalance, error)

	// ListBlocks returns the user's active block records.
	ListBlocks(ctx context.Context, userID string) ([]model.BlockRecord, error)

	// --- Immutable ledger ---

	// ListTransactions returns a page of the user's ledger, newest first,
	// plus the total number of matching entries.
	ListTransactions(ctx context.Context, userID string, f model.TransactionFilter) ([]model.Transaction, int64, error)

	// UserLedger returns all of a user's entries in append order.
	UserLedger(ctx context.Context, userID string) ([]model.Transaction, error)

	// LedgerTotals sums the whole ledger by transaction type.
	LedgerTotals(ctx context.Context) (model.LedgerTotals, error)

	// --- Auctions and bids ---

	// CreateAuction persists a catalog auction.
	CreateAuction(ctx context.Context, a *model.Auction) error

	// GetAuction retrieves an auction by ID.
	GetAuction(ctx context.Context, id string) (*model.Auction, error)

	// ListAuctions returns auctions in any of the given statuses.
	ListAuctions(ctx context.Context, statuses ...model.AuctionStatus) ([]model.Auction, error)

	// ListBids returns an auction's bids, oldest first.
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)

	// --- Payment orders ---

	// GetPaymentOrder retrieves a payment order by its gateway order ID.
	GetPaymentOrder(ctx context.Context, id string) (*model.PaymentOrder, error)
}

// Tx is the view of the store inside InTx. Methods that lock take their
// locks in the global order: auction, payment order, idempotency key,
// balances (sorted by user ID). Asking out of order returns ErrLockOrder.
type Tx interface {
	// GetAuctionForUpdate reads and locks an auction.
	GetAuctionForUpdate(ctx context.Context, id string) (*model.Auction, error)

	// UpdateAuction writes a, conditional on the stored version equal to
	// expectedVersion. On success a.Version is expectedVersion+1.
	UpdateAuction(ctx context.Context, a *model.Auction, expectedVersion int64) error

	// GetWinningBid returns the auction's winning bid or ErrNotFound.
	GetWinningBid(ctx context.Context, auctionID string) (*model.Bid, error)

	// InsertBid appends a new bid.
	InsertBid(ctx context.Context, b *model.Bid) error

	// SetBidWinning flips a bid's winning flag.
	SetBidWinning(ctx context.Context, bidID string, winning bool) error

	// CreatePaymentOrder persists a new gateway order.
	CreatePaymentOrder(ctx context.Context, o *model.PaymentOrder) error

	// GetPaymentOrderForUpdate reads and locks a payment order.
	GetPaymentOrderForUpdate(ctx context.Context, id string) (*model.PaymentOrder, error)

	// GetOpenAuctionOrder returns the user's unpaid auction_payment order
	// for auctionID, or ErrNotFound. It takes no lock of its own; callers
	// hold the auction lock. At most one such order exists.
	GetOpenAuctionOrder(ctx context.Context, userID, auctionID string) (*model.PaymentOrder, error)

	// UpdatePaymentOrder writes the order's status and transaction link.
	UpdatePaymentOrder(ctx context.Context, o *model.PaymentOrder) error

	// GetTransactionByKey locks the idempotency key and returns the entry
	// that consumed it, or ErrNotFound.
	GetTransactionByKey(ctx context.Context, key string) (*model.Transaction, error)

	// LockBalances locks the balances of the given users, creating zero
	// balances for unknown users.
	LockBalances(ctx context.Context, userIDs ...string) (map[string]*model.UserBalance, error)

	// SaveBalance writes a balance previously returned by LockBalances.
	SaveBalance(ctx context.Context, b *model.UserBalance) error

	// GetBlock returns the (user, auction) block record or ErrNotFound.
	GetBlock(ctx context.Context, userID, auctionID string) (*model.BlockRecord, error)

	// PutBlock creates or overwrites the (user, auction) block record.
	PutBlock(ctx context.Context, b *model.BlockRecord) error

	// DeleteBlock removes the (user, auction) block record.
	DeleteBlock(ctx context.Context, userID, auctionID string) error

	// AppendTransaction appends an immutable ledger entry. A consumed
	// idempotency key yields ErrDuplicateKey.
	AppendTransaction(ctx context.Context, t *model.Transaction) error
}
