package device

import "errors"

// Sentinel errors returned by the registry and repository.
// Callers match these with errors.Is.
var (
	// ErrNotFound indicates the requested device does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrExists indicates a device with the same ID or slug already exists.
	ErrExists = errors.New("device: already exists")

	// ErrInvalid indicates the device definition failed validation.
	ErrInvalid = errors.New("device: invalid definition")

	// ErrUnsupportedProtocol indicates no adapter is registered for the
	// device's protocol. Registration is rejected up front rather than
	// letting the device sit unreachable.
	ErrUnsupportedProtocol = errors.New("device: unsupported protocol")

	// ErrInvalidTransition indicates a status change that the device
	// state machine does not permit.
	ErrInvalidTransition = errors.New("device: invalid status transition")

	// ErrStaleStatus indicates a status update carrying an observation
	// time older than the one already applied. Stale updates are
	// discarded, never applied out of order.
	ErrStaleStatus = errors.New("device: stale status update")

	// ErrDisabled indicates an operation on a device that is
	// administratively disabled.
	ErrDisabled = errors.New("device: disabled")
)
