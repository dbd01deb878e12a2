// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// OrdersTotal counts order submissions by side, kind and outcome
	// ("accepted", "rejected", "error").
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cx_orders_total",
		Help: "Total number of orders submitted",
	}, []string{"side", "kind", "result"})

	// OrderLatency tracks the time spent inside the asset transaction.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cx_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// FillsTotal counts executions, one per maker/taker pair.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cx_fills_total",
		Help: "Total number of fills executed",
	}, []string{"kind"})

	// CancelsTotal counts successful cancellations.
	CancelsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cx_cancels_total",
		Help: "Total number of orders cancelled",
	})

	// RejectionsTotal counts rejected operations by reason.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cx_rejections_total",
		Help: "Operations rejected by validation, ledger or state checks",
	}, []string{"reason"})

	// AssetVolume tracks cumulative traded shares per asset.
	AssetVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cx_asset_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"asset_id"})

	// ReferencePrice tracks the latest reference price per asset.
	ReferencePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cx_reference_price",
		Help: "Current reference price per asset",
	}, []string{"asset_id"})

	// ActiveAssets tracks the number of tradable assets.
	ActiveAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cx_active_assets",
		Help: "Number of currently active assets",
	})

	// AgentSteps counts liquidity agent steps by outcome.
	AgentSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cx_agent_steps_total",
		Help: "Liquidity agent steps by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cx_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
