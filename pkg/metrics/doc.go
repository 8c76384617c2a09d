// Package metrics defines the Prometheus collectors for the hub and a
// background Collector that samples gauge-style metrics (queue depth by
// status, connected agents by state) on a fixed interval. Counter-style
// metrics are incremented inline by the owning components. Handler
// exposes the standard promhttp endpoint.
package metrics
