package actor

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the actor's private instrumentation set: a per-message-type
// counter plus queue-wait/processing-time histograms, and a flush
// duration histogram, as §4.6 (EXPANSION) requires. Registered lazily
// per Actor instance rather than at package init, since a process may
// run more than one actor in tests.
type Metrics struct {
	messages       *prometheus.CounterVec
	queueWait      *prometheus.HistogramVec
	processingTime *prometheus.HistogramVec
	flushDuration  prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dkvstore_actor_messages_total",
			Help: "Total document actor messages processed, by message kind.",
		}, []string{"kind"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dkvstore_actor_queue_wait_seconds",
			Help:    "Time a message spent in the actor's inbox before being processed.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dkvstore_actor_processing_seconds",
			Help:    "Time the actor spent executing a message, by message kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dkvstore_actor_flush_duration_seconds",
			Help:    "Duration of each durable flush (no-op flushes included).",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Register adds the actor's metrics to reg, for a process wiring a
// single actor into the default Prometheus registry.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.messages, m.queueWait, m.processingTime, m.flushDuration)
}
