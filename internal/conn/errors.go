package conn

import "errors"

var (
	// ErrNotTracked indicates no connection actor exists for the device.
	ErrNotTracked = errors.New("conn: device not tracked")

	// ErrUnavailable indicates the device has no live connection right now.
	ErrUnavailable = errors.New("conn: device unavailable")

	// ErrClosed indicates the manager has shut down.
	ErrClosed = errors.New("conn: manager closed")

	// ErrMissingValue indicates a command carried no numeric value parameter.
	ErrMissingValue = errors.New("conn: command missing value parameter")
)
