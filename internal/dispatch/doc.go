// Package dispatch drives a batch of provider jobs under a concurrency
// ceiling: submission in bounded waves, a polling loop over active jobs,
// and append-only result sets for completed and failed work.
package dispatch
