// Package metrics defines and registers Aegis's Prometheus instrumentation:
// the authority pipeline's queue depth and rejection/effect counters, the
// leadership gate's Raft leader/peer/log-index gauges, the offer
// reconciler's accept/decline counters and match-duration histogram, and
// the broker adapter's task launch/kill counters and launch-duration
// histogram. All metrics register at package init via
// prometheus.MustRegister, the same pattern cuemby-warren's
// pkg/metrics/metrics.go uses, and are exposed for scraping at /metrics by
// cmd/aegis. Exposition is carried as ambient instrumentation even though
// consuming it is outside this system's own scope.
package metrics
