// Package influxdb provides the optional telemetry mirror for Hortiva Hub.
//
// It wraps the official influxdb-client-go v2 library with the hub's
// patterns for connection management, batched writes, and health
// monitoring.
//
// # Purpose
//
// SQLite is the system of record for readings; InfluxDB is a mirror for
// dashboards and long-range analysis. The mirror is best-effort: write
// failures are reported through a callback and never block or fail
// ingest.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "hortiva",
//	    Bucket:  "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteReading("dev-123", "air_temperature", 23.5, "celsius", "good", time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Performance
//
// Writes are batched according to config (batch_size, flush_interval),
// which keeps network overhead low for high-frequency telemetry.
package influxdb
