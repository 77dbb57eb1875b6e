// Package bidding implements the bid coordinator: the per-auction
// serialization point that validates bids and moves funds between the
// previous and the new high bidder in one atomic unit.
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
	"github.com/riplimit/ledger-engine/internal/notify"
	"github.com/riplimit/ledger-engine/internal/store"
)

// Bid denominations.
const (
	CurrencyRL  = "rl"
	CurrencyINR = "inr"
)

// DefaultMaxAttempts bounds optimistic retries of one PlaceBid call.
const DefaultMaxAttempts = 3

// Config controls bid placement.
type Config struct {
	// Currency is the unit bid amounts are expressed in. INR bids reserve
	// amount*20 RL.
	Currency    string
	MaxAttempts int
}

// Coordinator places bids and drives auction close and cancellation.
type Coordinator struct {
	ledger   *ledger.Ledger
	store    store.Store
	machine  auction.Machine
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
}

// New creates a coordinator. A nil notifier discards events.
func New(l *ledger.Ledger, m auction.Machine, n notify.Notifier, cfg Config) *Coordinator {
	if n == nil {
		n = notify.Nop{}
	}
	if cfg.Currency == "" {
		cfg.Currency = CurrencyRL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Coordinator{
		ledger:   l,
		store:    l.Store(),
		machine:  m,
		notifier: n,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Required returns the RL reserved for a bid of amount.
func (c *Coordinator) Required(amount int64) int64 {
	if c.cfg.Currency == CurrencyINR {
		return amount * model.RLPerINR
	}
	return amount
}

// BidResult is an accepted bid and the auction state it produced.
type BidResult struct {
	Bid      model.Bid     `json:"bid"`
	Auction  model.Auction `json:"auction"`
	OutbidID string        `json:"-"`
	Extended bool          `json:"extended,omitempty"`
	Buyout   bool          `json:"buyout,omitempty"`
}

// PlaceBid validates and applies userID's bid of amount on auctionID.
func (c *Coordinator) PlaceBid(ctx context.Context, auctionID, userID string, amount int64) (*BidResult, error) {
	start := time.Now()
	res, err := c.placeBid(ctx, auctionID, userID, amount)
	metrics.BidLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BidsTotal.WithLabelValues(ledger.Code(err)).Inc()
		slog.Info("bid rejected", "auction", auctionID, "user", userID, "amount", amount, "err", err)
		return nil, err
	}
	metrics.BidsTotal.WithLabelValues("accepted").Inc()
	slog.Info("bid accepted", "auction", auctionID, "user", userID, "amount", amount,
		"blocked", res.Bid.BlockedAmount, "version", res.Auction.Version)
	c.publishBid(res)
	return res, nil
}

func (c *Coordinator) placeBid(ctx context.Context, auctionID, userID string, amount int64) (*BidResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ledger.ErrAuthorization)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: bid must be positive, got %d", ledger.ErrInvalidAmount, amount)
	}

	reader := c.store
	for attempt := 1; ; attempt++ {
		snap, err := reader.GetAuction(ctx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: auction %s", ledger.ErrNotFound, auctionID)
		}
		if err != nil {
			return nil, fmt.Errorf("get auction: %w", err)
		}

		res, err := c.attempt(ctx, reader, snap, userID, amount)
		if !errors.Is(err, store.ErrVersionConflict) {
			return res, err
		}
		metrics.BidVersionConflicts.Inc()
		if attempt >= c.cfg.MaxAttempts {
			return nil, fmt.Errorf("%w: auction %s changed during %d attempts, refresh and retry", ledger.ErrConflict, auctionID, attempt)
		}
		// Retry from the source of truth, never from a cached snapshot.
		reader = store.Uncached(c.store)
	}
}

// precheck applies the preconditions that depend only on the snapshot, in
// their reporting order. Funds are checked under lock inside the attempt.
func (c *Coordinator) precheck(ctx context.Context, reader store.Store, snap *model.Auction, userID string, amount int64, now time.Time) error {
	if !c.machine.AcceptsBids(snap, now) {
		eff := c.machine.Effective(snap, now)
		if eff == model.AuctionUpcoming {
			return fmt.Errorf("%w: auction %s opens at %s", ledger.ErrAuctionNotActive, snap.ID, snap.StartTime.Format(time.RFC3339))
		}
		return fmt.Errorf("%w: auction %s is %s", ledger.ErrAuctionNotActive, snap.ID, eff)
	}
	if userID == snap.SellerID {
		return ledger.ErrSelfBid
	}
	bal, err := reader.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	if err := ledger.CheckCanBid(bal); err != nil {
		return err
	}
	if minBid := snap.CurrentBid + snap.MinimumIncrement; amount < minBid {
		return fmt.Errorf("%w: current bid is %d, minimum acceptable bid is %d", ledger.ErrBidTooLow, snap.CurrentBid, minBid)
	}
	return nil
}

func (c *Coordinator) attempt(ctx context.Context, reader store.Store, snap *model.Auction, userID string, amount int64) (*BidResult, error) {
	now := c.now()
	if err := c.precheck(ctx, reader, snap, userID, amount, now); err != nil {
		return nil, err
	}

	required := c.Required(amount)
	next := *snap
	if next.Status == model.AuctionUpcoming {
		// First bid past StartTime opens the auction in the same
		// conditional write.
		if err := c.machine.Transition(&next, model.AuctionLive, now); err != nil {
			return nil, err
		}
	}
	next.CurrentBid = amount
	next.CurrentBidderID = userID
	res := &BidResult{}
	if snap.BuyoutPrice != nil && amount >= *snap.BuyoutPrice {
		if err := c.machine.Transition(&next, model.AuctionEnded, now); err != nil {
			return nil, err
		}
		next.WinnerID = userID
		res.Buyout = true
	} else {
		res.Extended = c.machine.ExtendForBid(&next, now)
	}

	err := c.ledger.Run(ctx, func(b *ledger.Batch) error {
		tx := b.Tx()

		// The conditional write takes the auction lock first and fails if
		// any other bid landed since the snapshot.
		if err := tx.UpdateAuction(ctx, &next, snap.Version); err != nil {
			return err
		}

		prev, err := tx.GetWinningBid(ctx, snap.ID)
		if errors.Is(err, store.ErrNotFound) {
			prev = nil
		} else if err != nil {
			return fmt.Errorf("get winning bid: %w", err)
		}

		users := []string{userID}
		if prev != nil && prev.UserID != userID {
			users = append(users, prev.UserID)
		}
		bals, err := tx.LockBalances(ctx, users...)
		if err != nil {
			return fmt.Errorf("lock balances: %w", err)
		}
		bal := bals[userID]
		if err := ledger.CheckCanBid(bal); err != nil {
			return err
		}
		var own int64
		if rec, err := tx.GetBlock(ctx, userID, snap.ID); err == nil {
			own = rec.Amount
		}
		if bal.Available+own < required {
			return fmt.Errorf("%w: bid requires %d RL, available %d RL", ledger.ErrInsufficientBalance, required, bal.Available+own)
		}

		if prev != nil {
			if err := tx.SetBidWinning(ctx, prev.ID, false); err != nil {
				return fmt.Errorf("clear winning bid: %w", err)
			}
			if prev.UserID != userID {
				if _, err := c.ledger.ReleaseIn(ctx, b, prev.UserID, snap.ID); err != nil {
					return err
				}
				res.OutbidID = prev.UserID
			}
		}
		if _, err := c.ledger.BlockIn(ctx, b, userID, snap.ID, required); err != nil {
			return err
		}

		res.Bid = model.Bid{
			ID:            uuid.New().String(),
			AuctionID:     snap.ID,
			UserID:        userID,
			Amount:        amount,
			BlockedAmount: required,
			Timestamp:     now,
			IsWinning:     true,
		}
		if err := tx.InsertBid(ctx, &res.Bid); err != nil {
			return fmt.Errorf("insert bid: %w", err)
		}

		if res.Buyout {
			return c.ledger.LockAsPaymentIn(ctx, b, userID, snap.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Auction = next
	return res, nil
}

func (c *Coordinator) publishBid(res *BidResult) {
	a := res.Auction
	if res.OutbidID != "" {
		c.notifier.Publish(notify.Event{Type: notify.EventOutbid, AuctionID: a.ID, UserID: res.OutbidID, Amount: a.CurrentBid, BidderID: a.CurrentBidderID})
	}
	c.notifier.Publish(notify.Event{Type: notify.EventBidPlaced, AuctionID: a.ID, Amount: a.CurrentBid, BidderID: a.CurrentBidderID})
	if res.Buyout {
		metrics.AuctionsClosed.WithLabelValues("buyout").Inc()
		c.publishClose(a)
	}
}

func (c *Coordinator) publishClose(a model.Auction) {
	if a.WinnerID != "" {
		c.notifier.Publish(notify.Event{Type: notify.EventAuctionWon, AuctionID: a.ID, UserID: a.WinnerID, Amount: a.CurrentBid})
	}
	c.notifier.Publish(notify.Event{Type: notify.EventAuctionEnded, AuctionID: a.ID, Amount: a.CurrentBid, BidderID: a.WinnerID})
}
