package telemetry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Quality grades a reading's trustworthiness, as reported by the device
// or assigned by the adapter.
type Quality string

const (
	// QualityGood is a normal, trustworthy reading.
	QualityGood Quality = "good"

	// QualitySuspect means the value is plausible but the source flagged
	// it (sensor drift, gateway retransmit). Included in aggregates.
	QualitySuspect Quality = "suspect"

	// QualityBad means the value must not be trusted. Counted in
	// aggregate totals but excluded from min/max/avg.
	QualityBad Quality = "bad"
)

// Valid reports whether q is a recognised quality value.
func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualitySuspect, QualityBad:
		return true
	}
	return false
}

// Reading is one stored sensor observation. Readings are append-only:
// once accepted they are never updated or deleted except by retention.
type Reading struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Quality    Quality   `json:"quality"`

	// TS is the observation time: the device timestamp when one was
	// supplied, otherwise the server receive time.
	TS time.Time `json:"ts"`

	// ReceivedAt is always the server receive time.
	ReceivedAt time.Time `json:"received_at"`
}

// Input is one reading as submitted for ingest, before stamping.
// A zero TS means the device supplied no timestamp.
type Input struct {
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Quality    Quality   `json:"quality"`
	TS         time.Time `json:"ts"`
}

// Validate checks an input before it is accepted.
func (in *Input) Validate() error {
	if in.SensorType == "" {
		return fmt.Errorf("%w: sensor_type is required", ErrInvalidReading)
	}
	if in.Quality != "" && !in.Quality.Valid() {
		return fmt.Errorf("%w: unknown quality %q", ErrInvalidReading, in.Quality)
	}
	return nil
}

// Result reports the outcome for one input of a batch. Ingest is
// per-item: a bad reading never rejects its batchmates.
type Result struct {
	Index    int    `json:"index"`
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Filter narrows reading queries.
type Filter struct {
	DeviceID   string
	SensorType string
	From       time.Time // inclusive; zero means unbounded
	To         time.Time // exclusive; zero means unbounded
	Limit      int       // 0 means no limit
}

// newReadingID creates a new UUID for a reading.
func newReadingID() string {
	return uuid.New().String()
}
