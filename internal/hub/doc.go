// Package hub is the single entry point into the device hub.
//
// The Hub composes the device registry, connection manager, command
// dispatcher and telemetry pipeline behind one facade. External surfaces
// (HTTP layer, schedulers) call the Hub and never reach the components
// directly. All collaborators are injected at construction; the package
// holds no global state.
package hub
