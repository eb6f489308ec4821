// Package command queues and dispatches actuation commands to devices.
//
// Each device gets its own priority queue and a single dispatch worker,
// so at most one command is in flight per device while devices proceed
// independently of each other. Queues order by priority (critical, high,
// medium, low) and by submission order within a priority.
//
// Every command is persisted to SQLite at submission and updated through
// its lifecycle, leaving a complete actuation audit trail. A command
// that receives no acknowledgement within the configured timeout is
// marked timed_out and never retried automatically.
package command
