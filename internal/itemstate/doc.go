// Package itemstate tracks the processing stage of every item in a batch.
//
// State lives in a single human-readable JSON file that is rewritten
// atomically on every mutation, so an interrupted run can always resume from
// the last durable stage of each item.
package itemstate
