package ledger

import (
	"fmt"

	"github.com/riplimit/ledger-engine/internal/model"
)

// CheckCanBid rejects users holding won-but-unpaid auctions.
func CheckCanBid(b *model.UserBalance) error {
	if b.HasUnpaidAuctions() {
		return fmt.Errorf("%w: %d unpaid auction(s) %v", ErrUnpaidAuctionBlock, len(b.UnpaidAuctionIDs), b.UnpaidAuctionIDs)
	}
	return nil
}

// CheckCanRefund rejects refunds while any auction is unpaid.
func CheckCanRefund(b *model.UserBalance) error {
	if b.HasUnpaidAuctions() {
		return fmt.Errorf("%w: refunds are disabled until %d unpaid auction(s) are settled", ErrUnpaidAuctionBlock, len(b.UnpaidAuctionIDs))
	}
	return nil
}
