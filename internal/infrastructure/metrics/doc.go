// Package metrics exposes the hub's operational counters over a
// Prometheus endpoint. Instrumentation calls are no-ops when metrics
// are disabled, so callers record unconditionally.
package metrics
