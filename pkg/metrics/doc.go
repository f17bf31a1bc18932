/*
Package metrics exposes dkvstore's Prometheus surface: package-level
gauges/counters for document, membership, peer sync, lease, and watch
activity, plus a Collector that periodically samples the document
actor for the values nothing else pushes directly.

Three kinds of metric live in this repository:

  - Package-level vars here (DocumentRevision, MembersTotal, ...),
    sampled by Collector on a fixed tick.
  - Counters/histograms incremented inline by the packages that know
    the outcome as it happens (pkg/peersync's round-trip/backoff
    metrics, pkg/watch's fan-out/subscription metrics, pkg/actor's
    lease-expiration metric).
  - pkg/actor's own per-message-kind instrumentation (queue wait,
    processing time, flush duration), registered separately via
    Actor.RegisterMetrics since it is private to one actor instance.

Handler() returns the promhttp handler mounted at /metrics by
pkg/api.HealthServer. Timer is a small duration-measuring helper used
wherever a caller times an operation against a histogram.

# See Also

  - pkg/actor - RegisterMetrics and per-instance instrumentation
  - pkg/api - mounts Handler() alongside /health and /ready
  - pkg/health - the Checker interface /health and /ready serve from
*/
package metrics
