// Package device provides the device registry: the catalogue of every
// sensor, controller and actuator the hub manages, their protocol
// bindings, and the connectivity status state machine.
//
// The Registry wraps a Repository with an in-memory cache and enforces
// the status lifecycle (discovering, online, degraded, offline, error).
// Status updates are monotonic on observation time and serialised per
// device, so concurrent reports from the connection manager and the
// freshness monitor cannot apply out of order. The error state is
// terminal until an operator Reset.
package device
