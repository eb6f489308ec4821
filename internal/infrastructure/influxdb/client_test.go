package influxdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hortiva/hortiva-core/internal/infrastructure/config"
	"github.com/hortiva/hortiva-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "hortiva-dev-token",
		Org:           "hortiva",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// connectOrSkip skips the test when no local InfluxDB is running.
func connectOrSkip(t *testing.T) *influxdb.Client {
	t.Helper()

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skipf("InfluxDB not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestWriteReading(t *testing.T) {
	client := connectOrSkip(t)

	client.WriteReading("test-device-001", "air_temperature", 23.5, "celsius", "good", time.Now())
	client.Flush()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck after write: %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	client := connectOrSkip(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Writes and flushes after Close must be silent no-ops
	client.WriteReading("test-device-002", "humidity", 61.2, "percent", "good", time.Now())
	client.Flush()

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	client := connectOrSkip(t)
	client.Close()

	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}
