package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteReading mirrors a sensor reading to InfluxDB.
//
// This is the primary method for the telemetry mirror: every accepted
// reading is written here in addition to the SQLite store so dashboards
// can query it. The write is non-blocking; data is batched and sent
// asynchronously. Failures never affect ingest.
//
// Parameters:
//   - deviceID: the registry device identifier
//   - sensorType: the reading's sensor type (e.g. "air_temperature")
//   - value: the numeric value
//   - unit: unit string (e.g. "celsius")
//   - quality: reading quality tag ("good", "suspect", "bad")
//   - ts: the reading timestamp
func (c *Client) WriteReading(deviceID, sensorType string, value float64, unit, quality string, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"readings",
		map[string]string{
			"device_id":   deviceID,
			"sensor_type": sensorType,
			"quality":     quality,
		},
		map[string]interface{}{
			"value": value,
			"unit":  unit,
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceStatus records a device status transition for dashboarding
// connectivity history.
func (c *Client) WriteDeviceStatus(deviceID, status string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"status": status,
		},
		at,
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
