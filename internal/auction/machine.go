// Package auction implements the auction lifecycle state machine:
// upcoming -> live -> {ended, cancelled}, with upcoming -> cancelled.
package auction

import (
	"errors"
	"fmt"
	"time"

	"github.com/riplimit/ledger-engine/internal/model"
)

var (
	ErrInvalidTransition = errors.New("auction: invalid status transition")
	ErrInvalidAuction    = errors.New("auction: invalid auction")
)

// transitions lists the allowed moves. Terminal states have no entry.
var transitions = map[model.AuctionStatus][]model.AuctionStatus{
	model.AuctionUpcoming: {model.AuctionLive, model.AuctionCancelled},
	model.AuctionLive:     {model.AuctionEnded, model.AuctionCancelled},
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to model.AuctionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine applies lifecycle rules. The zero value has anti-sniping disabled.
type Machine struct {
	// SnipeWindow is how close to EndTime a bid must land to extend the
	// auction. Zero disables the extension.
	SnipeWindow time.Duration
	// SnipeExtension is how far past the bid time EndTime is pushed.
	SnipeExtension time.Duration
}

// Validate checks the catalog fields the engine relies on.
func Validate(a *model.Auction) error {
	switch {
	case a.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidAuction)
	case a.SellerID == "":
		return fmt.Errorf("%w: missing seller", ErrInvalidAuction)
	case a.MinimumIncrement <= 0:
		return fmt.Errorf("%w: minimum increment must be positive, got %d", ErrInvalidAuction, a.MinimumIncrement)
	case a.CurrentBid < 0:
		return fmt.Errorf("%w: negative current bid %d", ErrInvalidAuction, a.CurrentBid)
	case !a.EndTime.After(a.StartTime):
		return fmt.Errorf("%w: end time %s is not after start time %s", ErrInvalidAuction, a.EndTime, a.StartTime)
	case a.ReservePrice != nil && *a.ReservePrice < 0:
		return fmt.Errorf("%w: negative reserve price", ErrInvalidAuction)
	case a.BuyoutPrice != nil && *a.BuyoutPrice <= a.CurrentBid:
		return fmt.Errorf("%w: buyout price must exceed the starting bid", ErrInvalidAuction)
	}
	if _, ok := transitions[a.Status]; !ok && !a.Status.Terminal() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAuction, a.Status)
	}
	return nil
}

// Transition moves a to status to. Leaving upcoming for live is refused
// before StartTime.
func (m Machine) Transition(a *model.Auction, to model.AuctionStatus, now time.Time) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	if a.Status == model.AuctionUpcoming && to == model.AuctionLive && now.Before(a.StartTime) {
		return fmt.Errorf("%w: auction %s starts at %s", ErrInvalidTransition, a.ID, a.StartTime.Format(time.RFC3339))
	}
	a.Status = to
	return nil
}

// Effective returns the status implied by the clock without mutating a:
// an upcoming auction past StartTime is live, a live auction at or past
// EndTime is ended.
func (m Machine) Effective(a *model.Auction, now time.Time) model.AuctionStatus {
	s := a.Status
	if s == model.AuctionUpcoming && !now.Before(a.StartTime) {
		s = model.AuctionLive
	}
	if s == model.AuctionLive && !now.Before(a.EndTime) {
		s = model.AuctionEnded
	}
	return s
}

// AcceptsBids reports whether a bid at now may be considered at all. An
// upcoming auction past StartTime qualifies; the bid that finds it so must
// store the live status with its own write.
func (m Machine) AcceptsBids(a *model.Auction, now time.Time) bool {
	return m.Effective(a, now) == model.AuctionLive
}

// Due reports whether a stored status lags the clock.
func (m Machine) Due(a *model.Auction, now time.Time) bool {
	return m.Effective(a, now) != a.Status
}

// ExtendForBid applies the anti-sniping rule to a bid accepted at now and
// reports whether EndTime moved.
func (m Machine) ExtendForBid(a *model.Auction, now time.Time) bool {
	if m.SnipeWindow <= 0 || m.SnipeExtension <= 0 {
		return false
	}
	if a.EndTime.Sub(now) > m.SnipeWindow {
		return false
	}
	if next := now.Add(m.SnipeExtension); next.After(a.EndTime) {
		a.EndTime = next
		return true
	}
	return false
}
