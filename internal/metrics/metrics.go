// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// TradesTotal counts trade attempts, partitioned by side and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "growledge_trades_total",
		Help: "Total number of trade attempts",
	}, []string{"side", "outcome"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "growledge_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeConflicts counts ledger version conflicts that forced a retry.
	TradeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "growledge_trade_version_conflicts_total",
		Help: "Ledger commits retried after a version conflict",
	})

	// TradedValue tracks cumulative traded notional per symbol.
	TradedValue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "growledge_traded_value_total",
		Help: "Cumulative traded value (quantity x price)",
	}, []string{"symbol", "side"})

	// QuoteFetches counts quote-facade results by kind and source.
	QuoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "growledge_quote_fetches_total",
		Help: "Market data lookups by kind and source (cache, live, synthetic)",
	}, []string{"kind", "source"})

	// LiveFailures counts live provider failures by reason.
	LiveFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "growledge_live_failures_total",
		Help: "Live market-data failures that fell back to synthetic data",
	}, []string{"op", "reason"})

	// RateLimitWait tracks how long live calls waited for the rate limiter.
	RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "growledge_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the live-provider rate limiter",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "growledge_live_breaker_state",
		Help: "Live provider circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "growledge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "growledge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "growledge_http_request_duration_seconds",
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

		// Route pattern, not the raw path, to keep user ids out of labels.
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
