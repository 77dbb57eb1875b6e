package auction

import (
	"errors"
	"testing"
	"time"

	"github.com/riplimit/ledger-engine/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAuction(status model.AuctionStatus) *model.Auction {
	return &model.Auction{
		ID:               "a1",
		SellerID:         "seller",
		Status:           status,
		CurrentBid:       100,
		MinimumIncrement: 10,
		StartTime:        t0,
		EndTime:          t0.Add(time.Hour),
	}
}

func TestTransition_Allowed(t *testing.T) {
	tests := []struct {
		from, to model.AuctionStatus
	}{
		{model.AuctionUpcoming, model.AuctionLive},
		{model.AuctionUpcoming, model.AuctionCancelled},
		{model.AuctionLive, model.AuctionEnded},
		{model.AuctionLive, model.AuctionCancelled},
	}
	var m Machine
	for _, tt := range tests {
		a := newAuction(tt.from)
		if err := m.Transition(a, tt.to, t0.Add(time.Minute)); err != nil {
			t.Errorf("%s -> %s: unexpected error: %v", tt.from, tt.to, err)
			continue
		}
		if a.Status != tt.to {
			t.Errorf("expected status=%s, got %s", tt.to, a.Status)
		}
	}
}

func TestTransition_Rejected(t *testing.T) {
	tests := []struct {
		from, to model.AuctionStatus
	}{
		{model.AuctionUpcoming, model.AuctionEnded},
		{model.AuctionLive, model.AuctionUpcoming},
		{model.AuctionEnded, model.AuctionLive},
		{model.AuctionEnded, model.AuctionCancelled},
		{model.AuctionCancelled, model.AuctionLive},
		{model.AuctionCancelled, model.AuctionEnded},
	}
	var m Machine
	for _, tt := range tests {
		a := newAuction(tt.from)
		err := m.Transition(a, tt.to, t0.Add(time.Minute))
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
		if a.Status != tt.from {
			t.Errorf("status changed on rejected transition: %s", a.Status)
		}
	}
}

func TestTransition_LiveBeforeStart(t *testing.T) {
	var m Machine
	a := newAuction(model.AuctionUpcoming)
	if err := m.Transition(a, model.AuctionLive, t0.Add(-time.Second)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition before start, got %v", err)
	}
}

func TestEffective(t *testing.T) {
	var m Machine
	tests := []struct {
		name   string
		status model.AuctionStatus
		now    time.Time
		want   model.AuctionStatus
	}{
		{"upcoming before start", model.AuctionUpcoming, t0.Add(-time.Minute), model.AuctionUpcoming},
		{"upcoming after start", model.AuctionUpcoming, t0.Add(time.Minute), model.AuctionLive},
		{"upcoming after end", model.AuctionUpcoming, t0.Add(2 * time.Hour), model.AuctionEnded},
		{"live before end", model.AuctionLive, t0.Add(time.Minute), model.AuctionLive},
		{"live at end", model.AuctionLive, t0.Add(time.Hour), model.AuctionEnded},
		{"cancelled stays", model.AuctionCancelled, t0.Add(2 * time.Hour), model.AuctionCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAuction(tt.status)
			if got := m.Effective(a, tt.now); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if a.Status != tt.status {
				t.Error("Effective must not mutate the auction")
			}
		})
	}
}

func TestAcceptsBids(t *testing.T) {
	var m Machine
	live := newAuction(model.AuctionLive)
	if !m.AcceptsBids(live, t0.Add(time.Minute)) {
		t.Error("expected live auction to accept bids")
	}
	if m.AcceptsBids(live, live.EndTime) {
		t.Error("expected no bids at end time")
	}
	upcoming := newAuction(model.AuctionUpcoming)
	if m.AcceptsBids(upcoming, t0.Add(-time.Second)) {
		t.Error("expected upcoming auction to refuse bids before start")
	}
	if !m.AcceptsBids(upcoming, t0) {
		t.Error("expected upcoming auction past its start to accept bids")
	}
	if m.AcceptsBids(upcoming, upcoming.EndTime) {
		t.Error("expected an upcoming auction past its end to refuse bids")
	}
	if m.AcceptsBids(newAuction(model.AuctionCancelled), t0.Add(time.Minute)) {
		t.Error("expected cancelled auction to refuse bids")
	}
}

func TestExtendForBid(t *testing.T) {
	m := Machine{SnipeWindow: 2 * time.Minute, SnipeExtension: 5 * time.Minute}

	a := newAuction(model.AuctionLive)
	if m.ExtendForBid(a, a.EndTime.Add(-10*time.Minute)) {
		t.Error("bid outside the window must not extend")
	}

	bidAt := a.EndTime.Add(-time.Minute)
	if !m.ExtendForBid(a, bidAt) {
		t.Fatal("expected extension inside the window")
	}
	if want := bidAt.Add(5 * time.Minute); !a.EndTime.Equal(want) {
		t.Errorf("expected end=%v, got %v", want, a.EndTime)
	}

	var off Machine
	b := newAuction(model.AuctionLive)
	end := b.EndTime
	if off.ExtendForBid(b, end.Add(-time.Second)) || !b.EndTime.Equal(end) {
		t.Error("zero machine must not extend")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(newAuction(model.AuctionLive)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buyout := int64(50)
	bad := []func(a *model.Auction){
		func(a *model.Auction) { a.ID = "" },
		func(a *model.Auction) { a.SellerID = "" },
		func(a *model.Auction) { a.MinimumIncrement = 0 },
		func(a *model.Auction) { a.EndTime = a.StartTime },
		func(a *model.Auction) { a.BuyoutPrice = &buyout },
		func(a *model.Auction) { a.Status = "paused" },
	}
	for i, mutate := range bad {
		a := newAuction(model.AuctionLive)
		mutate(a)
		if err := Validate(a); !errors.Is(err, ErrInvalidAuction) {
			t.Errorf("case %d: expected ErrInvalidAuction, got %v", i, err)
		}
	}
}
