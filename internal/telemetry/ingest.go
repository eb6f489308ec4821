package telemetry

import (
	"context"
	"fmt"
	"time"
)

// Logger defines the logging interface used by the telemetry layer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Mirror receives accepted readings for secondary storage. The influxdb
// client satisfies this; the mirror is best-effort and never fails
// ingest.
type Mirror interface {
	WriteReading(deviceID, sensorType string, value float64, unit, quality string, ts time.Time)
}

// DeviceChecker reports whether a device ID is registered. The device
// registry satisfies this through a small closure; injecting the check
// keeps this package free of a registry dependency.
type DeviceChecker func(ctx context.Context, deviceID string) bool

// Ingestor validates, stamps and stores incoming readings.
type Ingestor struct {
	repo        Repository
	knownDevice DeviceChecker
	mirror      Mirror
	logger      Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewIngestor creates a reading ingestor. knownDevice gates readings on
// registration; nil accepts everything. mirror may be nil.
func NewIngestor(repo Repository, knownDevice DeviceChecker) *Ingestor {
	if knownDevice == nil {
		knownDevice = func(context.Context, string) bool { return true }
	}
	return &Ingestor{
		repo:        repo,
		knownDevice: knownDevice,
		logger:      noopLogger{},
		now:         time.Now,
	}
}

// SetLogger sets the logger for the ingestor.
func (in *Ingestor) SetLogger(logger Logger) {
	in.logger = logger
}

// SetMirror attaches a secondary store that receives every accepted
// reading.
func (in *Ingestor) SetMirror(mirror Mirror) {
	in.mirror = mirror
}

// Ingest accepts a batch of readings for one device.
//
// Acceptance is per item: invalid entries are reported in their Result
// and do not affect the rest of the batch. Readings without a device
// timestamp are stamped with the server receive time, so a reading is
// never stored without a timestamp. The accepted subset is stored
// atomically.
//
// Returns ErrUnknownDevice (and stores nothing) when the device is not
// registered.
func (in *Ingestor) Ingest(ctx context.Context, deviceID string, inputs []Input) ([]Result, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrUnknownDevice)
	}
	if !in.knownDevice(ctx, deviceID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	receivedAt := in.now().UTC()
	results := make([]Result, len(inputs))
	accepted := make([]Reading, 0, len(inputs))

	for i := range inputs {
		input := &inputs[i]
		results[i].Index = i

		if err := input.Validate(); err != nil {
			results[i].Error = err.Error()
			continue
		}

		ts := input.TS
		if ts.IsZero() {
			// Device supplied no timestamp; server receive time stands in
			ts = receivedAt
		}
		quality := input.Quality
		if quality == "" {
			quality = QualityGood
		}

		reading := Reading{
			ID:         newReadingID(),
			DeviceID:   deviceID,
			SensorType: input.SensorType,
			Value:      input.Value,
			Unit:       input.Unit,
			Quality:    quality,
			TS:         ts.UTC(),
			ReceivedAt: receivedAt,
		}
		accepted = append(accepted, reading)
		results[i].Accepted = true
		results[i].ID = reading.ID
	}

	if len(accepted) > 0 {
		if err := in.repo.Append(ctx, accepted); err != nil {
			return nil, fmt.Errorf("storing readings: %w", err)
		}
		if in.mirror != nil {
			for i := range accepted {
				rd := &accepted[i]
				in.mirror.WriteReading(rd.DeviceID, rd.SensorType, rd.Value,
					rd.Unit, string(rd.Quality), rd.TS)
			}
		}
	}

	in.logger.Debug("readings ingested",
		"device_id", deviceID,
		"accepted", len(accepted),
		"rejected", len(inputs)-len(accepted))

	return results, nil
}

// Query retrieves stored readings matching the filter.
func (in *Ingestor) Query(ctx context.Context, filter Filter) ([]Reading, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, ErrInvalidRange
	}
	return in.repo.Query(ctx, filter)
}
