// Package config loads and validates Hortiva Hub configuration.
//
// Configuration is layered: built-in defaults, then a YAML file, then
// HORTIVA_* environment variable overrides. The Hub section carries the
// tuning knobs for device freshness, reconnect budgets and command
// timeouts so that none of those numbers are baked into component code.
package config
