// Package catalog is the durable record of every ingested image, backed by
// SQLite. The images table is the aggregate root; detail rows are owned by
// it and removed with it.
package catalog
