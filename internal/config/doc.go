// Package config loads, validates, and normalizes the TOML configuration
// for the issbatch orchestrator.
package config
