// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts live sessions opened, by trigger ("manual"
	// or "sweeper").
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcore_sessions_started_total",
		Help: "Number of meeting sessions transitioned to live.",
	}, []string{"trigger"})

	// SessionsEnded counts ended sessions by reason.
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcore_sessions_ended_total",
		Help: "Number of meeting sessions ended.",
	}, []string{"reason"})

	// ActiveRooms tracks currently live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loopcore_active_rooms",
		Help: "Number of currently live meeting rooms.",
	})

	// RoomAcquisitionFailures counts failed room acquisitions.
	RoomAcquisitionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopcore_room_acquisition_failures_total",
		Help: "Number of failed room acquisitions from the conferencing capability.",
	})

	// ReconcileOutcomes counts drained mutations by outcome.
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcore_reconcile_outcomes_total",
		Help: "Number of reconciled pending mutations by outcome.",
	}, []string{"outcome"})

	// Heartbeats counts presence heartbeats received.
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopcore_heartbeats_total",
		Help: "Number of presence heartbeats received.",
	})

	// PresenceTimeouts counts users expired by the presence sweeper.
	PresenceTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopcore_presence_timeouts_total",
		Help: "Number of users marked offline by heartbeat timeout.",
	})

	// HTTPDuration observes request latency by route and status.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopcore_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Middleware records request duration for every route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
