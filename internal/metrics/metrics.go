// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerEntriesTotal counts committed ledger entries by transaction type.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riplimit_ledger_entries_total",
		Help: "Committed ledger entries",
	}, []string{"type"})

	// LedgerVolume tracks the absolute RL moved by committed entries.
	LedgerVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riplimit_ledger_volume_rl_total",
		Help: "Absolute RipLimit moved by committed ledger entries",
	}, []string{"type"})

	// BidsTotal counts bid attempts by outcome ("accepted" or an error code).
	BidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riplimit_bids_total",
		Help: "Bid attempts by outcome",
	}, []string{"outcome"})

	// BidLatency tracks end-to-end bid placement latency.
	BidLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riplimit_bid_latency_seconds",
		Help:    "Bid placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BidVersionConflicts counts optimistic-concurrency retries in placeBid.
	BidVersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riplimit_bid_version_conflicts_total",
		Help: "Bid attempts retried after an auction version conflict",
	})

	// AuctionsClosed counts auction closes by result.
	AuctionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riplimit_auctions_closed_total",
		Help: "Auctions closed, by result",
	}, []string{"result"})

	// ReconciliationDiscrepancies is the number of balances that disagreed
	// with their ledger at the last reconciliation run.
	ReconciliationDiscrepancies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riplimit_reconciliation_discrepancies",
		Help: "Balances diverging from the ledger at the last reconciliation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riplimit_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riplimit_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riplimit_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
