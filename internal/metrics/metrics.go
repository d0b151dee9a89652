// Package metrics provides Prometheus instrumentation for the game engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoomsOpened counts rooms opened since process start.
	RoomsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionpit_rooms_opened_total",
		Help: "Total number of rooms opened",
	})

	// RoomsClosed counts room teardowns, partitioned by reason.
	RoomsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpit_rooms_closed_total",
		Help: "Total number of rooms closed",
	}, []string{"reason"})

	// ActiveRooms tracks the number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionpit_active_rooms",
		Help: "Number of currently registered rooms",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionpit_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// BidsSubmitted counts accepted bid submissions.
	BidsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionpit_bids_submitted_total",
		Help: "Total number of bids accepted into a round",
	})

	// RoundsAdvanced counts round advances, partitioned by direction. A
	// round with zero bids still advances.
	RoundsAdvanced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpit_rounds_advanced_total",
		Help: "Total number of round advances",
	}, []string{"direction"})

	// HeartbeatTimeouts counts admin heartbeat expirations.
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionpit_heartbeat_timeouts_total",
		Help: "Admin heartbeat timeouts that tore down a room",
	})

	// GamesFinalized counts terminal settlements.
	GamesFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionpit_games_finalized_total",
		Help: "Games settled against a terminal underlying price",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpit_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optionpit_http_request_duration_seconds",
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

		path := r.URL.Path
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
