package telemetry

import "errors"

// Sentinel errors for the telemetry layer.
var (
	// ErrInvalidReading indicates a reading that failed validation.
	ErrInvalidReading = errors.New("telemetry: invalid reading")

	// ErrUnknownDevice indicates a reading for a device that is not
	// registered.
	ErrUnknownDevice = errors.New("telemetry: unknown device")

	// ErrInvalidResolution indicates an aggregate request with a
	// resolution other than hour, day or week.
	ErrInvalidResolution = errors.New("telemetry: invalid resolution")

	// ErrInvalidRange indicates a query range whose end precedes its
	// start.
	ErrInvalidRange = errors.New("telemetry: invalid time range")
)
