// Package batchspec parses the batch specification file that seeds a run.
//
// A spec either names discovery queries to run against the search API or
// carries a flat list of already-discovered records. Loosely-typed records
// are mapped into Candidate exactly once, here, so the rest of the pipeline
// works with an explicit schema.
package batchspec
