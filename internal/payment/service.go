package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/riplimit/ledger-engine/internal/ledger"
	"github.com/riplimit/ledger-engine/internal/model"
	"github.com/riplimit/ledger-engine/internal/store"
)

// ErrInvalidSignature is returned when a payment signature does not verify.
var ErrInvalidSignature = fmt.Errorf("%w: invalid payment signature", ledger.ErrValidation)

// Order is a created gateway order as returned to the client.
type Order struct {
	OrderID              string                 `json:"order_id"`
	PendingTransactionID string                 `json:"pending_transaction_id"`
	Kind                 model.PaymentOrderKind `json:"kind"`
	AuctionID            string                 `json:"auction_id,omitempty"`
	AmountRL             int64                  `json:"amount_rl"`
	AmountINR            decimal.Decimal        `json:"amount_inr"`
	AmountPaise          int64                  `json:"amount_paise"`
}

// Service turns verified external payments into ledger entries.
type Service struct {
	ledger *ledger.Ledger
	store  store.Store
	gw     Gateway
	secret string
	now    func() time.Time
}

// NewService creates a payment service.
func NewService(l *ledger.Ledger, gw Gateway, secret string) *Service {
	return &Service{
		ledger: l,
		store:  l.Store(),
		gw:     gw,
		secret: secret,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreatePurchase opens a gateway order for amountRL of RipLimit.
func (s *Service) CreatePurchase(ctx context.Context, userID string, amountRL int64) (*Order, error) {
	if minRL := s.ledger.Config().MinPurchase; amountRL < minRL {
		return nil, fmt.Errorf("%w: purchase of %d RL is below the minimum of %d RL", ledger.ErrInvalidAmount, amountRL, minRL)
	}
	return s.createOrder(ctx, &model.PaymentOrder{
		UserID:   userID,
		Kind:     model.OrderPurchase,
		AmountRL: amountRL,
	})
}

// CreateAuctionPayment opens a gateway order for a won, unpaid auction.
// The amount is the RL held as the payment lock, priced in INR. While an
// earlier order for the same auction is still unpaid, that order is returned
// instead of a new one.
func (s *Service) CreateAuctionPayment(ctx context.Context, userID, auctionID string) (*Order, error) {
	blocks, err := s.store.ListBlocks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	for _, b := range blocks {
		if b.AuctionID != auctionID {
			continue
		}
		if !b.Locked {
			return nil, fmt.Errorf("%w: auction %s has not been won yet", ledger.ErrConflict, auctionID)
		}
		var open *model.PaymentOrder
		if err := s.store.InTx(ctx, func(tx store.Tx) error {
			o, err := openAuctionOrder(ctx, tx, userID, auctionID)
			open = o
			return err
		}); err != nil {
			return nil, err
		}
		if open != nil {
			return newOrder(open, uuid.New().String()), nil
		}
		return s.createOrder(ctx, &model.PaymentOrder{
			UserID:    userID,
			Kind:      model.OrderAuctionPayment,
			AmountRL:  b.Amount,
			AuctionID: auctionID,
		})
	}
	return nil, fmt.Errorf("%w: no unpaid auction %s for %s", ledger.ErrNotFound, auctionID, userID)
}

// openAuctionOrder locks the auction and returns the user's unpaid order
// for it, or nil. The auction lock serializes order creation per auction.
func openAuctionOrder(ctx context.Context, tx store.Tx, userID, auctionID string) (*model.PaymentOrder, error) {
	_, err := tx.GetAuctionForUpdate(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: auction %s", ledger.ErrNotFound, auctionID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock auction: %w", err)
	}
	o, err := tx.GetOpenAuctionOrder(ctx, userID, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open order: %w", err)
	}
	return o, nil
}

func (s *Service) createOrder(ctx context.Context, o *model.PaymentOrder) (*Order, error) {
	if o.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ledger.ErrAuthorization)
	}
	o.AmountPaise = ToPaise(o.AmountRL)
	pending := uuid.New().String()
	id, err := s.gw.CreateOrder(ctx, o.AmountPaise, pending)
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}
	o.ID = id
	o.Status = model.OrderCreated
	o.CreatedAt = s.now()

	var open *model.PaymentOrder
	if err := s.store.InTx(ctx, func(tx store.Tx) error {
		if o.Kind == model.OrderAuctionPayment {
			// Another request may have opened one since the caller looked.
			existing, err := openAuctionOrder(ctx, tx, o.UserID, o.AuctionID)
			if err != nil || existing != nil {
				open = existing
				return err
			}
		}
		return tx.CreatePaymentOrder(ctx, o)
	}); err != nil {
		return nil, fmt.Errorf("save payment order: %w", err)
	}
	if open != nil {
		slog.Info("gateway order dropped for open order", "order", o.ID, "open", open.ID, "auction", o.AuctionID)
		return newOrder(open, pending), nil
	}
	return newOrder(o, pending), nil
}

func newOrder(o *model.PaymentOrder, pending string) *Order {
	return &Order{
		OrderID:              o.ID,
		PendingTransactionID: pending,
		Kind:                 o.Kind,
		AuctionID:            o.AuctionID,
		AmountRL:             o.AmountRL,
		AmountINR:            ToINR(o.AmountRL),
		AmountPaise:          o.AmountPaise,
	}
}

// Verify checks the gateway signature and applies the paid order exactly
// once: a purchase credits RL, an auction payment discharges the payment
// lock. Replays return *ledger.DuplicateTransactionError with the original
// entry.
func (s *Service) Verify(ctx context.Context, userID, orderID, paymentID, signature string) (*model.Transaction, error) {
	if !Verify(s.secret, orderID, paymentID, signature) {
		return nil, ErrInvalidSignature
	}

	key := "order:" + orderID
	var out *model.Transaction
	err := s.ledger.Run(ctx, func(b *ledger.Batch) error {
		tx := b.Tx()
		o, err := tx.GetPaymentOrderForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: payment order %s", ledger.ErrNotFound, orderID)
		}
		if err != nil {
			return fmt.Errorf("get payment order: %w", err)
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: payment order %s belongs to another user", ledger.ErrAuthorization, orderID)
		}

		var e *model.Transaction
		switch o.Kind {
		case model.OrderPurchase:
			e, err = s.ledger.CreditIn(ctx, b, o.UserID, o.AmountRL, model.TxPurchase, key)
		case model.OrderAuctionPayment:
			e, err = s.ledger.DischargeIn(ctx, b, o.UserID, o.AuctionID, paymentID, ledger.SettleReason, key)
		default:
			err = fmt.Errorf("payment order %s: unknown kind %q", orderID, o.Kind)
		}
		if err != nil {
			return err
		}

		o.Status = model.OrderPaid
		o.TransactionID = e.ID
		if err := tx.UpdatePaymentOrder(ctx, o); err != nil {
			return fmt.Errorf("update payment order: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("payment verified", "order", orderID, "payment", paymentID, "user", userID, "tx", out.ID)
	return out, nil
}

// Refund debits amountRL and pays the INR value out through the gateway.
// The ledger entry is authoritative; a failed payout is logged for manual
// follow-up and does not undo it.
func (s *Service) Refund(ctx context.Context, userID string, amountRL int64) (*model.Transaction, error) {
	tx, err := s.ledger.Refund(ctx, userID, amountRL)
	if err != nil {
		return nil, err
	}
	if err := s.gw.Payout(ctx, userID, ToPaise(amountRL), tx.ID); err != nil {
		slog.Error("refund payout failed", "user", userID, "tx", tx.ID, "amount_rl", amountRL, "err", err)
	}
	return tx, nil
}
