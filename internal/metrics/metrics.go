// Package metrics provides Prometheus instrumentation for the reconciler.
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
	// RecordsIngested counts ledger rows stored by history sync, by kind
	// ("fills" or "orders").
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_records_ingested_total",
		Help: "Ledger records appended by history sync",
	}, []string{"kind"})

	// SyncCycles counts sync cycles by kind and result (ok, failed, skipped).
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_sync_cycles_total",
		Help: "History sync cycles by outcome",
	}, []string{"kind", "result"})

	// SyncDuration tracks one (portfolio, symbol) sync cycle.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_sync_duration_seconds",
		Help:    "Duration of one history sync cycle",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	// LeaseContention counts cycles skipped because another holder had the lease.
	LeaseContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_lease_contention_total",
		Help: "Sync cycles skipped because the lease was held",
	})

	// SnapshotsTaken counts balance snapshots persisted.
	SnapshotsTaken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_snapshots_total",
		Help: "Balance snapshots persisted",
	})

	// VenueRequestDuration tracks venue API latency by endpoint and result.
	VenueRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_venue_request_duration_seconds",
		Help:    "Venue API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})
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

		// Route pattern keeps portfolio ids out of the label set.
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

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
