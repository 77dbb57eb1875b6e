// Package report computes administrative ledger statistics and reconciles
// balance projections against the immutable ledger.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/riplimit/ledger-engine/internal/metrics"
	"github.com/riplimit/ledger-engine/internal/model"
	"github.com/riplimit/ledger-engine/internal/payment"
	"github.com/riplimit/ledger-engine/internal/store"
)

// Stats are system-wide RipLimit totals.
type Stats struct {
	TotalCirculation   int64                           `json:"total_circulation"`
	TotalBlocked       int64                           `json:"total_blocked"`
	PurchaseRevenueRL  int64                           `json:"purchase_revenue_rl"`
	PurchaseRevenueINR decimal.Decimal                 `json:"purchase_revenue_inr"`
	TotalRefundedRL    int64                           `json:"total_refunded_rl"`
	TotalRefundedINR   decimal.Decimal                 `json:"total_refunded_inr"`
	NetRevenueRL       int64                           `json:"net_revenue_rl"`
	NetRevenueINR      decimal.Decimal                 `json:"net_revenue_inr"`
	AdjustmentsRL      int64                           `json:"adjustments_rl"`
	UsersWithUnpaid    int                             `json:"users_with_unpaid_auctions"`
	TransactionCount   int64                           `json:"transaction_count"`
	ByType             map[model.TransactionType]int64 `json:"by_type"`
}

// Reporter reads aggregates from the store.
type Reporter struct {
	store store.Store
}

// New creates a reporter. It reads the primary store, bypassing any cache.
func New(st store.Store) *Reporter {
	return &Reporter{store: store.Uncached(st)}
}

// Stats recomputes totals from the ledger aggregate. Circulation is what
// users hold (purchases less refunds, plus adjustments); blocked is what
// bid_block entries held and bid_release entries have not yet let go.
func (r *Reporter) Stats(ctx context.Context) (*Stats, error) {
	totals, err := r.store.LedgerTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger totals: %w", err)
	}
	balances, err := r.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}

	by := totals.ByType
	revenue := by[model.TxPurchase]
	refunded := -by[model.TxRefund]
	s := &Stats{
		TotalCirculation:   by[model.TxPurchase] + by[model.TxRefund] + by[model.TxAdjustment],
		TotalBlocked:       by[model.TxBidBlock] + by[model.TxBidRelease],
		PurchaseRevenueRL:  revenue,
		PurchaseRevenueINR: payment.ToINR(revenue),
		TotalRefundedRL:    refunded,
		TotalRefundedINR:   payment.ToINR(refunded),
		NetRevenueRL:       revenue - refunded,
		NetRevenueINR:      payment.ToINR(revenue - refunded),
		AdjustmentsRL:      by[model.TxAdjustment],
		TransactionCount:   totals.Count,
		ByType:             make(map[model.TransactionType]int64, len(model.TransactionTypes)),
	}
	for _, t := range model.TransactionTypes {
		s.ByType[t] = by[t]
	}
	for i := range balances {
		if balances[i].HasUnpaidAuctions() {
			s.UsersWithUnpaid++
		}
	}
	return s, nil
}

// Discrepancy is a balance whose projection disagrees with its ledger or
// its block records.
type Discrepancy struct {
	UserID          string `json:"user_id"`
	Available       int64  `json:"available"`
	Blocked         int64  `json:"blocked"`
	LedgerAvailable int64  `json:"ledger_available"`
	LedgerBlocked   int64  `json:"ledger_blocked"`
	BlockRecords    int64  `json:"block_records"`
	Err             string `json:"error,omitempty"`
}

// Reconcile replays every user's ledger and returns the balances that
// disagree with it.
func (r *Reporter) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	balances, err := r.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}

	out := []Discrepancy{}
	for _, b := range balances {
		d, err := r.check(ctx, b)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *Reporter) check(ctx context.Context, b model.UserBalance) (*Discrepancy, error) {
	entries, err := r.store.UserLedger(ctx, b.UserID)
	if err != nil {
		return nil, fmt.Errorf("user ledger %s: %w", b.UserID, err)
	}
	blocks, err := r.store.ListBlocks(ctx, b.UserID)
	if err != nil {
		return nil, fmt.Errorf("list blocks %s: %w", b.UserID, err)
	}

	d := Discrepancy{UserID: b.UserID, Available: b.Available, Blocked: b.Blocked}
	for _, e := range entries {
		da, db, err := e.Deltas()
		if err != nil {
			d.Err = fmt.Sprintf("transaction %s: %v", e.ID, err)
			return &d, nil
		}
		d.LedgerAvailable += da
		d.LedgerBlocked += db
	}
	for _, rec := range blocks {
		d.BlockRecords += rec.Amount
	}
	if d.LedgerAvailable == b.Available && d.LedgerBlocked == b.Blocked && d.BlockRecords == b.Blocked {
		return nil, nil
	}
	return &d, nil
}

// RunReconciler reconciles every interval until ctx is cancelled, logging
// each discrepancy and exporting the count.
func (r *Reporter) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds, err := r.Reconcile(ctx)
			if err != nil {
				slog.Error("reconciliation failed", "err", err)
				continue
			}
			metrics.ReconciliationDiscrepancies.Set(float64(len(ds)))
			for _, d := range ds {
				slog.Warn("balance diverges from ledger",
					"user", d.UserID,
					"available", d.Available, "ledger_available", d.LedgerAvailable,
					"blocked", d.Blocked, "ledger_blocked", d.LedgerBlocked,
					"block_records", d.BlockRecords, "err", d.Err)
			}
		}
	}
}
