package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Ride lifecycle transitions by outcome"},
		[]string{"transition", "outcome"},
	)
	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "match_candidates",
		Help:      "Number of candidate drivers returned per matching call",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
	})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Match latency seconds"})
	// CollaboratorFallbacks counts best-effort collaborator calls that were discarded.
	CollaboratorFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "collaborator_fallbacks_total", Help: "External pricing/rerank calls that fell back"},
		[]string{"collaborator"},
	)
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_total", Help: "Notification deliveries per sink and outcome"},
		[]string{"sink", "outcome"},
	)
	DriverLocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "driver_location_updates_total", Help: "Driver location updates accepted"})
	WSSessions            = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_sessions", Help: "Open websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
