package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/riplimit/ledger-engine/internal/auction"
	"github.com/riplimit/ledger-engine/internal/ledger"
	"github.com/riplimit/ledger-engine/internal/metrics"
	"github.com/riplimit/ledger-engine/internal/model"
	"github.com/riplimit/ledger-engine/internal/store"
)

// Close results.
const (
	ResultSold          = "sold"
	ResultReserveNotMet = "reserve_not_met"
	ResultNoBids        = "no_bids"
	ResultAlreadyClosed = "already_closed"
)

// CloseResult describes what closing an auction did.
type CloseResult struct {
	Auction  model.Auction `json:"auction"`
	Result   string        `json:"result"`
	WinnerID string        `json:"winner_id,omitempty"`
	Amount   int64         `json:"amount,omitempty"`
}

// CloseAuction ends a live auction. With a winning bid that meets the
// reserve, the winner's block becomes a payment lock; otherwise any block is
// released in full. Closing an ended or cancelled auction is a no-op.
func (c *Coordinator) CloseAuction(ctx context.Context, auctionID string) (*CloseResult, error) {
	now := c.now()
	res := &CloseResult{}
	err := c.ledger.Run(ctx, func(b *ledger.Batch) error {
		tx := b.Tx()
		a, err := tx.GetAuctionForUpdate(ctx, auctionID)
		if err != nil {
			return lookupErr(auctionID, err)
		}
		if a.Status.Terminal() {
			res.Auction = *a
			res.Result = ResultAlreadyClosed
			res.WinnerID = a.WinnerID
			return nil
		}
		if a.Status == model.AuctionUpcoming {
			if err := c.machine.Transition(a, model.AuctionLive, now); err != nil {
				return fmt.Errorf("%w: auction %s has not started", ledger.ErrAuctionNotActive, auctionID)
			}
		}

		version := a.Version
		winning, err := tx.GetWinningBid(ctx, auctionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Result = ResultNoBids
		case err != nil:
			return fmt.Errorf("get winning bid: %w", err)
		case a.ReserveMet():
			if err := c.ledger.LockAsPaymentIn(ctx, b, winning.UserID, auctionID); err != nil {
				return err
			}
			a.WinnerID = winning.UserID
			res.Result = ResultSold
			res.WinnerID = winning.UserID
			res.Amount = winning.Amount
		default:
			if err := tx.SetBidWinning(ctx, winning.ID, false); err != nil {
				return fmt.Errorf("clear winning bid: %w", err)
			}
			if _, err := c.ledger.ReleaseIn(ctx, b, winning.UserID, auctionID); err != nil {
				return err
			}
			res.Result = ResultReserveNotMet
		}

		if err := c.machine.Transition(a, model.AuctionEnded, now); err != nil {
			return err
		}
		if err := tx.UpdateAuction(ctx, a, version); err != nil {
			return err
		}
		res.Auction = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Result == ResultAlreadyClosed {
		return res, nil
	}

	metrics.AuctionsClosed.WithLabelValues(res.Result).Inc()
	slog.Info("auction closed", "auction", auctionID, "result", res.Result, "winner", res.WinnerID, "amount", res.Amount)
	c.publishClose(res.Auction)
	return res, nil
}

// CancelAuction cancels an upcoming or live auction on behalf of its seller
// or an admin, releasing the current high bidder's block. Cancelling twice
// is a no-op.
func (c *Coordinator) CancelAuction(ctx context.Context, auctionID, actorID string, admin bool) (*model.Auction, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ledger.ErrAuthorization)
	}
	now := c.now()
	var out model.Auction
	var changed bool
	err := c.ledger.Run(ctx, func(b *ledger.Batch) error {
		tx := b.Tx()
		a, err := tx.GetAuctionForUpdate(ctx, auctionID)
		if err != nil {
			return lookupErr(auctionID, err)
		}
		if !admin && actorID != a.SellerID {
			return fmt.Errorf("%w: only the seller or an admin may cancel auction %s", ledger.ErrAuthorization, auctionID)
		}
		switch a.Status {
		case model.AuctionCancelled:
			out = *a
			return nil
		case model.AuctionEnded:
			return fmt.Errorf("%w: auction %s has already ended", ledger.ErrAuctionNotActive, auctionID)
		}

		version := a.Version
		winning, err := tx.GetWinningBid(ctx, auctionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("get winning bid: %w", err)
		default:
			if err := tx.SetBidWinning(ctx, winning.ID, false); err != nil {
				return fmt.Errorf("clear winning bid: %w", err)
			}
			if _, err := c.ledger.ReleaseIn(ctx, b, winning.UserID, auctionID); err != nil {
				return err
			}
		}

		if err := c.machine.Transition(a, model.AuctionCancelled, now); err != nil {
			return err
		}
		if err := tx.UpdateAuction(ctx, a, version); err != nil {
			return err
		}
		out = *a
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.AuctionsClosed.WithLabelValues("cancelled").Inc()
		slog.Info("auction cancelled", "auction", auctionID, "actor", actorID)
		c.publishClose(out)
	}
	return &out, nil
}

// Activate moves a due upcoming auction to live.
func (c *Coordinator) Activate(ctx context.Context, auctionID string) (*model.Auction, error) {
	now := c.now()
	var out model.Auction
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAuctionForUpdate(ctx, auctionID)
		if err != nil {
			return lookupErr(auctionID, err)
		}
		if a.Status != model.AuctionUpcoming {
			out = *a
			return nil
		}
		version := a.Version
		if err := c.machine.Transition(a, model.AuctionLive, now); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
		if err := tx.UpdateAuction(ctx, a, version); err != nil {
			return err
		}
		out = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterAuction stores an auction handed over by the catalog. New
// auctions start upcoming with no bidder.
func (c *Coordinator) RegisterAuction(ctx context.Context, a *model.Auction) (*model.Auction, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.AuctionUpcoming
	}
	a.CurrentBidderID = ""
	a.WinnerID = ""
	a.Version = 1
	if err := auction.Validate(a); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	if a.Status != model.AuctionUpcoming {
		return nil, fmt.Errorf("%w: new auctions must be upcoming, got %s", ledger.ErrValidation, a.Status)
	}
	if err := c.store.CreateAuction(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: auction %s already exists", ledger.ErrConflict, a.ID)
		}
		return nil, fmt.Errorf("create auction: %w", err)
	}
	slog.Info("auction registered", "auction", a.ID, "seller", a.SellerID, "start", a.StartTime, "end", a.EndTime)
	return a, nil
}

// SweepResult counts the transitions one sweep performed.
type SweepResult struct {
	Activated int
	Closed    int
	Failed    int
}

// Sweep starts due upcoming auctions and closes expired live ones.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	auctions, err := store.Uncached(c.store).ListAuctions(ctx, model.AuctionUpcoming, model.AuctionLive)
	if err != nil {
		return res, fmt.Errorf("list auctions: %w", err)
	}
	now := c.now()
	for i := range auctions {
		a := &auctions[i]
		if !c.machine.Due(a, now) {
			continue
		}
		switch c.machine.Effective(a, now) {
		case model.AuctionLive:
			if _, err := c.Activate(ctx, a.ID); err != nil {
				res.Failed++
				slog.Error("auction activation failed", "auction", a.ID, "err", err)
				continue
			}
			res.Activated++
		case model.AuctionEnded:
			if _, err := c.CloseAuction(ctx, a.ID); err != nil {
				res.Failed++
				slog.Error("auction close failed", "auction", a.ID, "err", err)
				continue
			}
			res.Closed++
		}
	}
	return res, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.Sweep(ctx)
			if err != nil {
				slog.Error("auction sweep failed", "err", err)
				continue
			}
			if res.Activated+res.Closed+res.Failed > 0 {
				slog.Info("auction sweep", "activated", res.Activated, "closed", res.Closed, "failed", res.Failed)
			}
		}
	}
}

// Auction returns the current state of an auction.
func (c *Coordinator) Auction(ctx context.Context, auctionID string) (*model.Auction, error) {
	a, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, lookupErr(auctionID, err)
	}
	return a, nil
}

// Bids returns an auction's bid history, oldest first.
func (c *Coordinator) Bids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if _, err := c.Auction(ctx, auctionID); err != nil {
		return nil, err
	}
	return c.store.ListBids(ctx, auctionID)
}

func lookupErr(auctionID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: auction %s", ledger.ErrNotFound, auctionID)
	}
	return fmt.Errorf("get auction %s: %w", auctionID, err)
}
