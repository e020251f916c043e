// Package metric provides Prometheus metrics for the snapshot builder.
//
//   - prometheus.go: registry of builder metrics and the HTTP handler
//   - collector.go: collector reporting the snapshot directory
//
// Metrics are exposed at /metrics in Prometheus format when the replay
// tool runs with a metrics address.
package metric
