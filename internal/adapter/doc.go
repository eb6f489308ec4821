// Package adapter defines the protocol adapter contract and the
// registry that maps protocol tags to implementations.
//
// An Adapter is a protocol driver; a Conn is one device's session. The
// connection manager owns Conns and drives each from a single
// goroutine. Implementations live in subpackages (modbustcp,
// mqttbridge) and report failures through this package's sentinel
// errors so callers can tell transient trouble from configuration
// mistakes.
package adapter
