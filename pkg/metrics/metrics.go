package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Document metrics, sampled periodically by Collector from
	// actor.Stats() — the actor's own per-message instrumentation
	// (pkg/actor/metrics.go) covers per-operation counters/histograms;
	// these are point-in-time gauges instead.
	DocumentRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dkvstore_document_revision",
			Help: "Current logical revision of the local document.",
		},
	)

	DocumentChanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dkvstore_document_changes_total",
			Help: "Total number of sealed CRDT changes applied to the local document.",
		},
	)

	ActorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dkvstore_actor_queue_depth",
			Help: "Number of messages currently queued in the document actor's inbox.",
		},
	)

	// Membership metrics.
	MembersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dkvstore_members_total",
			Help: "Total number of members known to the local document.",
		},
	)

	// Peer sync metrics, incremented by pkg/peersync on the outbound
	// fan-out path.
	PeerSyncRoundTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dkvstore_peer_sync_round_trips_total",
			Help: "Total number of sync messages sent per peer, by outcome.",
		},
		[]string{"peer", "outcome"},
	)

	PeerSyncBackoffSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dkvstore_peer_sync_backoff_seconds",
			Help:    "Backoff duration slept before a peer sync reconnect attempt.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	// Lease metrics.
	LeaseExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dkvstore_lease_expirations_total",
			Help: "Total number of leases that have expired and been revoked.",
		},
	)

	// Watch metrics.
	WatchFanOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dkvstore_watch_fan_out_total",
			Help: "Total number of events delivered to watch subscribers, by outcome.",
		},
		[]string{"outcome"},
	)

	WatchSubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dkvstore_watch_subscriptions_active",
			Help: "Number of currently active watch subscriptions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DocumentRevision,
		DocumentChanges,
		ActorQueueDepth,
		MembersTotal,
		PeerSyncRoundTripsTotal,
		PeerSyncBackoffSeconds,
		LeaseExpirationsTotal,
		WatchFanOutTotal,
		WatchSubscriptionsActive,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
