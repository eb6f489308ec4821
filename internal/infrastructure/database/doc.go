// Package database manages the hub's SQLite store.
//
// It opens the database with WAL mode and foreign keys enabled, keeps the
// connection pool at a single writer, and applies embedded SQL migrations
// on startup. Repositories in the device, command and telemetry packages
// run their queries through the wrapped *sql.DB.
package database
