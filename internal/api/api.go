// Package api exposes the ledger engine over HTTP.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/riplimit/ledger-engine/internal/bidding"
	"github.com/riplimit/ledger-engine/internal/ledger"
	"github.com/riplimit/ledger-engine/internal/model"
	"github.com/riplimit/ledger-engine/internal/notify"
	"github.com/riplimit/ledger-engine/internal/payment"
	"github.com/riplimit/ledger-engine/internal/report"
)

// Server holds the services behind the HTTP handlers.
type Server struct {
	ledger   *ledger.Ledger
	bids     *bidding.Coordinator
	payments *payment.Service
	reports  *report.Reporter
	hub      *notify.Hub
}

// NewServer creates a server. hub may be nil, which disables /ws.
func NewServer(l *ledger.Ledger, c *bidding.Coordinator, p *payment.Service, rep *report.Reporter, hub *notify.Hub) *Server {
	return &Server{ledger: l, bids: c, payments: p, reports: rep, hub: hub}
}

// Routes mounts the authenticated /api/v1 tree on r.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate)

		if s.hub != nil {
			r.Get("/ws", s.ServeWS)
		}

		r.Get("/balance", s.GetBalance)
		r.Get("/transactions", s.ListTransactions)
		r.Post("/purchase", s.CreatePurchase)
		r.Post("/purchase/verify", s.VerifyPurchase)
		r.Post("/refund", s.Refund)

		r.Route("/auctions/{auctionID}", func(r chi.Router) {
			r.Get("/", s.GetAuction)
			r.Get("/bids", s.ListBids)
			r.Post("/bids", s.PlaceBid)
			r.Post("/cancel", s.CancelAuction)
			r.Post("/payment", s.CreateAuctionPayment)
			r.With(RequireAdmin).Post("/close", s.CloseAuction)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/stats", s.Stats)
			r.Get("/reconcile", s.Reconcile)
			r.Post("/auctions", s.RegisterAuction)
			r.Post("/users/{userID}/adjust", s.Adjust)
			r.Post("/users/{userID}/clear-unpaid", s.ClearUnpaid)
		})
	})
}

// ServeWS handles GET /api/v1/ws
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, principal(r).UserID)
}

// --- Balance and ledger ---

// GetBalance handles GET /api/v1/balance
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	view, err := s.ledger.Balance(r.Context(), principal(r).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// TransactionPage is one page of a user's ledger.
type TransactionPage struct {
	Transactions []model.Transaction `json:"transactions"`
	Total        int64               `json:"total"`
	Page         int                 `json:"page"`
	Limit        int                 `json:"limit"`
}

// ListTransactions handles GET /api/v1/transactions?type=&page=&limit=
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, ok := positiveParam(q.Get("page"), 1)
	if !ok {
		writeStatus(w, http.StatusBadRequest, "page must be a positive integer", "validation")
		return
	}
	limit, ok := positiveParam(q.Get("limit"), ledger.DefaultPageSize)
	if !ok {
		writeStatus(w, http.StatusBadRequest, "limit must be a positive integer", "validation")
		return
	}
	limit = min(limit, ledger.MaxPageSize)

	txns, total, err := s.ledger.Transactions(r.Context(), principal(r).UserID, model.TransactionFilter{
		Type:   model.TransactionType(q.Get("type")),
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionPage{Transactions: txns, Total: total, Page: page, Limit: limit})
}

func positiveParam(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// --- Payments ---

// AmountRequest carries an RL amount.
type AmountRequest struct {
	Amount int64 `json:"amount"`
}

// CreatePurchase handles POST /api/v1/purchase
func (s *Server) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := s.payments.CreatePurchase(r.Context(), principal(r).UserID, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// VerifyRequest is the gateway callback payload relayed by the client.
type VerifyRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

// VerifyPurchase handles POST /api/v1/purchase/verify
func (s *Server) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := s.payments.Verify(r.Context(), principal(r).UserID, req.OrderID, req.PaymentID, req.Signature)
	writeTransaction(w, r, tx, err)
}

// Refund handles POST /api/v1/refund
func (s *Server) Refund(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := s.payments.Refund(r.Context(), principal(r).UserID, req.Amount)
	writeTransaction(w, r, tx, err)
}

// --- Auctions ---

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (s *Server) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.bids.Auction(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListBids handles GET /api/v1/auctions/{auctionID}/bids
func (s *Server) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.bids.Bids(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// PlaceBid handles POST /api/v1/auctions/{auctionID}/bids
func (s *Server) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.bids.PlaceBid(r.Context(), chi.URLParam(r, "auctionID"), principal(r).UserID, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CloseAuction handles POST /api/v1/auctions/{auctionID}/close
func (s *Server) CloseAuction(w http.ResponseWriter, r *http.Request) {
	res, err := s.bids.CloseAuction(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelAuction handles POST /api/v1/auctions/{auctionID}/cancel
func (s *Server) CancelAuction(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	a, err := s.bids.CancelAuction(r.Context(), chi.URLParam(r, "auctionID"), p.UserID, p.IsAdmin())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// CreateAuctionPayment handles POST /api/v1/auctions/{auctionID}/payment
func (s *Server) CreateAuctionPayment(w http.ResponseWriter, r *http.Request) {
	order, err := s.payments.CreateAuctionPayment(r.Context(), principal(r).UserID, chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// --- Admin ---

// Stats handles GET /api/v1/admin/stats
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reports.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Reconcile handles GET /api/v1/admin/reconcile
func (s *Server) Reconcile(w http.ResponseWriter, r *http.Request) {
	ds, err := s.reports.Reconcile(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discrepancies": ds, "count": len(ds)})
}

// RegisterAuction handles POST /api/v1/admin/auctions
func (s *Server) RegisterAuction(w http.ResponseWriter, r *http.Request) {
	var a model.Auction
	if err := decode(r, &a); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.bids.RegisterAuction(r.Context(), &a)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// AdjustRequest is an admin balance correction.
type AdjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// Adjust handles POST /api/v1/admin/users/{userID}/adjust
func (s *Server) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := s.ledger.Adjust(r.Context(), principal(r).UserID, chi.URLParam(r, "userID"), req.Delta, req.Reason)
	writeTransaction(w, r, tx, err)
}

// ClearUnpaidRequest names the unpaid auction to clear.
type ClearUnpaidRequest struct {
	AuctionID string `json:"auction_id"`
}

// ClearUnpaid handles POST /api/v1/admin/users/{userID}/clear-unpaid
func (s *Server) ClearUnpaid(w http.ResponseWriter, r *http.Request) {
	var req ClearUnpaidRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.AuctionID == "" {
		writeStatus(w, http.StatusBadRequest, "auction_id is required", "validation")
		return
	}
	tx, err := s.ledger.ClearUnpaidAuction(r.Context(), principal(r).UserID, chi.URLParam(r, "userID"), req.AuctionID)
	writeTransaction(w, r, tx, err)
}
