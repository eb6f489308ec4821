// Package telemetry handles sensor reading ingest, storage and
// aggregation.
//
// Readings are append-only: the SQLite store is the system of record,
// with an optional best-effort InfluxDB mirror for dashboards. Ingest
// is per-item within a batch, and readings arriving without a device
// timestamp are stamped with the server receive time.
//
// The Aggregator buckets readings by integer division of the epoch
// timestamp, so results are independent of arrival order and stable
// across re-runs.
package telemetry
