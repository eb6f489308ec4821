// Package logging provides structured logging for Hortiva Hub.
//
// It wraps log/slog with the configured level, format and output, and
// stamps every record with the service name and build version. Components
// that only need a logging surface accept a small Logger interface of
// their own rather than depending on this package.
package logging
