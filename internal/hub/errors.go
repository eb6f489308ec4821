package hub

import "errors"

var (
	// ErrDeviceOffline indicates a command was rejected because the target
	// device is offline or faulted. Nothing is queued.
	ErrDeviceOffline = errors.New("hub: device offline")

	// ErrMissingDependency indicates the hub was constructed without one of
	// its required collaborators.
	ErrMissingDependency = errors.New("hub: missing dependency")
)
