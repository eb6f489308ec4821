// Package conn maintains the device connections.
//
// Each tracked device gets one connection actor that owns the device's
// single protocol connection. The actor connects, polls on the heartbeat
// interval, and reconnects with full-jitter exponential backoff when the
// connection drops. Reconnect attempts draw from a rolling retry budget;
// a device that exhausts the budget is marked error and left alone until
// an operator resets it.
//
// A freshness monitor watches last-contact times and marks devices
// offline once they have been silent for the freshness window.
package conn
