package adapter

import "errors"

// Sentinel errors shared by all adapter implementations. The connection
// manager matches these with errors.Is to decide between retrying,
// degrading and giving up.
var (
	// ErrConnectionRefused indicates the device or gateway actively
	// refused the session. Transient; the connection manager retries
	// with backoff.
	ErrConnectionRefused = errors.New("adapter: connection refused")

	// ErrTimeout indicates the device did not answer within the I/O
	// deadline. Transient.
	ErrTimeout = errors.New("adapter: timeout")

	// ErrProtocolViolation indicates the device answered with something
	// the protocol does not allow. Not transient; repeated violations
	// usually mean a misconfigured address or mapping.
	ErrProtocolViolation = errors.New("adapter: protocol violation")

	// ErrUnsupported indicates the adapter cannot serve the requested
	// operation or point, typically because the mapping lacks it.
	ErrUnsupported = errors.New("adapter: unsupported operation")

	// ErrNotConnected indicates use of a Conn after Close or after the
	// transport dropped.
	ErrNotConnected = errors.New("adapter: not connected")

	// ErrAlreadyRegistered indicates a second adapter for the same
	// protocol.
	ErrAlreadyRegistered = errors.New("adapter: protocol already registered")
)

// Transient reports whether the error is worth retrying: refused
// connections and timeouts are, protocol violations and mapping gaps
// are not.
func Transient(err error) bool {
	return errors.Is(err, ErrConnectionRefused) || errors.Is(err, ErrTimeout)
}
