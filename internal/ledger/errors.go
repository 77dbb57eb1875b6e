package ledger

import (
	"errors"
	"fmt"

	"github.com/riplimit/ledger-engine/internal/model"
)

// Error kinds. Every error returned by the ledger and the bid coordinator
// matches exactly one of these with errors.Is.
var (
	ErrValidation           = errors.New("validation failed")
	ErrAuthorization        = errors.New("not authorized")
	ErrConflict             = errors.New("conflict")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrNotFound             = errors.New("not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// Specific failures, each wrapping its kind.
var (
	ErrInvalidAmount      = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrNegativeBalance    = fmt.Errorf("%w: balance would go negative", ErrValidation)
	ErrAuctionNotActive   = fmt.Errorf("%w: auction not active", ErrConflict)
	ErrSelfBid            = fmt.Errorf("%w: sellers cannot bid on their own auction", ErrAuthorization)
	ErrUnpaidAuctionBlock = fmt.Errorf("%w: unpaid auctions must be cleared first", ErrConflict)
	ErrBidTooLow          = fmt.Errorf("%w: bid too low", ErrConflict)
	ErrPaymentLocked      = fmt.Errorf("%w: funds are locked as payment", ErrConflict)
)

// DuplicateTransactionError is returned when an idempotency key was already
// consumed. It carries the original entry; callers treat it as success.
type DuplicateTransactionError struct {
	Original model.Transaction
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("duplicate transaction: already recorded as %s", e.Original.ID)
}

func (e *DuplicateTransactionError) Is(target error) bool {
	return target == ErrDuplicateTransaction
}

// codes maps specific failures to stable machine-readable codes. Order
// matters: specific errors are checked before their kinds.
var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "invalid_amount"},
	{ErrNegativeBalance, "negative_balance"},
	{ErrAuctionNotActive, "auction_not_active"},
	{ErrSelfBid, "self_bid"},
	{ErrUnpaidAuctionBlock, "unpaid_auction_block"},
	{ErrBidTooLow, "bid_too_low"},
	{ErrPaymentLocked, "payment_locked"},
	{ErrDuplicateTransaction, "duplicate_transaction"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrValidation, "validation"},
	{ErrAuthorization, "authorization"},
	{ErrConflict, "conflict"},
	{ErrNotFound, "not_found"},
}

// Code returns the machine-readable code for err, or "internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
