// Package ledger persists the small bookkeeping records that outlive a
// process: which run is active and which retry attempt is armed.
package ledger
