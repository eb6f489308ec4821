package adapter

import (
	"context"
	"time"

	"github.com/hortiva/hortiva-core/internal/device"
)

// Adapter is a protocol driver. One Adapter instance serves every device
// that speaks its protocol; per-device state lives in the Conn it hands
// out.
//
// Implementations interpret the device's Address (how to reach it) and
// Mapping (how hub-level point names translate to protocol addresses).
// They must return the package's sentinel errors, wrapped with context,
// so the connection manager can distinguish transient failures from
// protocol violations.
type Adapter interface {
	// Protocol returns the protocol tag this adapter serves.
	Protocol() device.Protocol

	// Connect establishes a session with the device. Blocking; honours
	// ctx cancellation and deadlines. The returned Conn is owned by the
	// caller and is not safe for concurrent use.
	Connect(ctx context.Context, dev *device.Device) (Conn, error)
}

// Conn is an established session with a single device.
//
// Conns are driven by exactly one goroutine (the device's connection
// actor), so implementations do not need internal locking.
type Conn interface {
	// Read retrieves the current value of a named point.
	Read(ctx context.Context, point string) (Sample, error)

	// Write sends a value to a named point and waits for the device to
	// acknowledge it.
	Write(ctx context.Context, point string, value float64) error

	// Poll retrieves a batch of samples for every mapped sensor point.
	// Used by the connection manager's poll loop for devices that do
	// not push.
	Poll(ctx context.Context) ([]Sample, error)

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Sample is a single point observation produced by an adapter.
type Sample struct {
	// Point is the hub-level point name from the device mapping,
	// e.g. "air_temperature".
	Point string

	Value float64
	Unit  string

	// At is when the adapter observed the value. The ingest layer
	// stamps the server receive time separately.
	At time.Time
}
