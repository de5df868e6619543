// Package metrics provides Prometheus instrumentation for the PnL engine.
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
	// FillsTotal counts fills committed to the durable ledger.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_fills_total",
		Help: "Total number of fills applied",
	}, []string{"side", "mode"})

	// FillRejections counts fills rejected before or during the durable write.
	FillRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_fill_rejections_total",
		Help: "Fills rejected, by reason",
	}, []string{"reason"})

	FillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pnl_fill_latency_seconds",
		Help:    "Fill application latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CachedPositions tracks entries held by the incremental position cache.
	CachedPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_cached_positions",
		Help: "Number of positions held in the incremental cache",
	})

	// TicksEmitted counts events handed to the broadcast sink.
	TicksEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_ticks_emitted_total",
		Help: "PnL ticks emitted, by kind (position, portfolio)",
	}, []string{"kind"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_cache_evictions_total",
		Help: "Flat, idle positions evicted from the cache",
	})

	HistoryFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_history_flush_failures_total",
		Help: "Failed best-effort PnL history flushes",
	})

	// ReconcileDrift counts cache entries that disagreed with the durable ledger.
	ReconcileDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_reconcile_drift_total",
		Help: "Cache entries re-seeded because they drifted from the durable ledger",
	})

	PriceUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_price_updates_total",
		Help: "Mark price updates accepted",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_http_request_duration_seconds",
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
