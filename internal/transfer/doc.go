// Package transfer downloads artifact files in bulk by driving an external
// aria2c process and reporting per-item outcomes from its output stream.
package transfer
