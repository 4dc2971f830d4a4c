// Package metrics provides Prometheus instrumentation for the auction engine.
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
	// CallsTotal counts accepted caller operations, partitioned by op
	// (create, bid, cancel).
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_calls_total",
		Help: "Total number of accepted auction calls",
	}, []string{"op"})

	// CallRejections counts rejected caller operations by op and reason.
	CallRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_call_rejections_total",
		Help: "Auction calls rejected by validation or a collaborator",
	}, []string{"op", "reason"})

	// Settlements counts settled auctions by outcome (sold, unsold,
	// missing, failed).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_settlements_total",
		Help: "Auctions processed by the settlement engine",
	}, []string{"outcome"})

	// FailedTicks counts ticks whose batch settlement was rolled back.
	FailedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_failed_ticks_total",
		Help: "Ticks whose settlement batch was discarded",
	})

	// TickLatency tracks how long settlement for one tick takes.
	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_tick_settlement_seconds",
		Help:    "Settlement latency per tick in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// CurrentTick is the tick the runtime is currently accepting calls for.
	CurrentTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_current_tick",
		Help: "Current logical tick",
	})

	// OpenAuctions tracks auctions created and not yet settled or cancelled.
	OpenAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_open_auctions",
		Help: "Number of currently open auctions",
	})

	// EventsDropped counts notifications a sink discarded because its
	// queue was full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_events_dropped_total",
		Help: "Notifications dropped by a full sink queue",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_http_request_duration_seconds",
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

// Hijack hands the connection to the handler, as the WebSocket upgrade
// requires.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not implement http.Hijacker", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
