// Package enrich resolves per-item metadata over HTTP: the source artifact
// URL plus camera details for each candidate, fetched by a bounded worker
// pool with per-request backoff.
package enrich
