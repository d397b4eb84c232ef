// Package logging builds the slog loggers used across issbatch: a console
// handler with component prefixes and flattened key=value attributes, a JSON
// variant, and small helpers for structured fields.
package logging
