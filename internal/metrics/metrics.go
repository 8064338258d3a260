// Package metrics holds the prometheus collectors of the coordinator. They
// are registered on the default registry and served on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codeshare_rooms_active",
		Help: "Rooms currently held in memory",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codeshare_connections",
		Help: "Open websocket connections",
	})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeshare_events_total",
		Help: "Inbound events by type",
	}, []string{"type"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeshare_rate_limited_total",
		Help: "Actions rejected by a rate limit, by scope",
	}, []string{"scope"})

	RoomsReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeshare_rooms_reclaimed_total",
		Help: "Rooms reclaimed, by trigger",
	}, []string{"trigger"})

	UpstreamSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codeshare_upstream_seconds",
		Help:    "Latency of calls to external collaborators",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// ObserveSince records the time elapsed since start for op.
func ObserveSince(op string, start time.Time) {
	UpstreamSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
