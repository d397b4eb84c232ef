// Package pipeline coordinates one batch run end to end: discovery, dedup,
// registration, the fetch/store/persist stages, and the success and failure
// paths. One run holds the lock from start to finish; everything it creates
// is tied to its run id so a failure can be undone precisely.
package pipeline
