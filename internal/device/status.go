package device

// Status represents the connectivity state of a device.
//
// Lifecycle:
//
//	discovering -> online     first successful connection
//	online      -> degraded   intermittent read/write failures
//	degraded    -> online     failures clear
//	online|degraded -> offline  connection lost or heartbeat expired
//	offline     -> online     reconnect succeeds
//	any         -> error      retry budget exhausted
//	error       -> discovering  operator reset only
//
// The error state is terminal until an explicit operator reset: no
// automatic transition leaves it.
type Status string

const (
	// StatusDiscovering is the initial state after registration, before
	// the first successful connection.
	StatusDiscovering Status = "discovering"

	// StatusOnline means the device is connected and responsive.
	StatusOnline Status = "online"

	// StatusDegraded means the device is connected but intermittently
	// failing reads or writes.
	StatusDegraded Status = "degraded"

	// StatusOffline means the connection is lost or the heartbeat has
	// expired. The connection manager keeps retrying.
	StatusOffline Status = "offline"

	// StatusError means the retry budget was exhausted. Requires an
	// operator reset before reconnection is attempted.
	StatusError Status = "error"
)

// Valid reports whether s is a recognised status value.
func (s Status) Valid() bool {
	switch s {
	case StatusDiscovering, StatusOnline, StatusDegraded, StatusOffline, StatusError:
		return true
	}
	return false
}

// Terminal reports whether the status requires operator intervention to
// leave.
func (s Status) Terminal() bool {
	return s == StatusError
}

// CanTransition reports whether the state machine permits moving from s
// to next without operator intervention. Self transitions are allowed
// and treated as no-ops by callers. The only way out of error is
// ResetDevice, which bypasses this check deliberately.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if next == StatusError {
		// Budget exhaustion can strike from any non-terminal state.
		return s != StatusError
	}
	switch s {
	case StatusDiscovering:
		return next == StatusOnline || next == StatusOffline
	case StatusOnline:
		return next == StatusDegraded || next == StatusOffline
	case StatusDegraded:
		return next == StatusOnline || next == StatusOffline
	case StatusOffline:
		return next == StatusOnline
	case StatusError:
		return false
	}
	return false
}

// AllStatuses returns all valid status values.
func AllStatuses() []Status {
	return []Status{
		StatusDiscovering, StatusOnline, StatusDegraded,
		StatusOffline, StatusError,
	}
}
