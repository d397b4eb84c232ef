// Package cleanup undoes the side effects of a failed run: staged and
// stored files plus catalog rows for every item the run registered but did
// not complete. It is strictly run-scoped; items outside the given
// RunRecord are never touched.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"issbatch/internal/catalog"
	"issbatch/internal/fileutil"
	"issbatch/internal/itemstate"
	"issbatch/internal/ledger"
	"issbatch/internal/logging"
	"issbatch/internal/storage"
)

// Options wires the cleaner to the run's state locations.
type Options struct {
	RunRecordPath   string
	RetryRecordPath string
	StagingDir      string
}

// Cleaner removes the artifacts of incomplete items.
type Cleaner struct {
	opts    Options
	items   *itemstate.Store
	catalog *catalog.Store
	layout  *storage.Layout
	logger  *slog.Logger
}

// NewCleaner builds a cleaner over the run's stores.
func NewCleaner(opts Options, items *itemstate.Store, cat *catalog.Store, layout *storage.Layout, logger *slog.Logger) (*Cleaner, error) {
	if opts.RunRecordPath == "" {
		return nil, errors.New("run record path is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cleaner{
		opts:    opts,
		items:   items,
		catalog: cat,
		layout:  layout,
		logger:  logging.NewComponentLogger(logger, "cleanup"),
	}, nil
}

// CleanupRun removes every artifact belonging to the record's incomplete
// items, then deletes the RunRecord itself. Absent files and rows are
// skipped silently so the operation can be repeated after a partial
// failure. Cleaned items are rolled back to pending: their stage must not
// claim progress whose output was just destroyed, or the next run would
// resume from files that no longer exist.
func (c *Cleaner) CleanupRun(ctx context.Context, record *ledger.RunRecord) error {
	removedFiles, removedRows := 0, 0
	cleaned := make([]string, 0, len(record.ItemKeys))

	for _, key := range record.ItemKeys {
		if item, err := c.items.Get(key); err == nil && item.Stage.IsTerminal() {
			continue
		}

		files, err := c.removeItemFiles(ctx, key)
		if err != nil {
			return err
		}
		removedFiles += files

		removed, err := c.catalog.Delete(ctx, key)
		if err != nil {
			return err
		}
		if removed {
			removedRows++
		}
		cleaned = append(cleaned, key)
	}

	rolled, err := c.items.RollbackToPending(cleaned...)
	if err != nil {
		return err
	}

	if err := ledger.DeleteRun(c.opts.RunRecordPath); err != nil {
		return err
	}

	c.logger.Info("run cleaned up",
		logging.String(logging.FieldRunID, record.RunID),
		logging.Int("files_removed", removedFiles),
		logging.Int("rows_removed", removedRows),
		logging.Int("items_rolled_back", rolled))
	return nil
}

// removeItemFiles deletes the item's staged and stored files. The catalog
// row, when present, names the exact storage path; otherwise the layout is
// searched for files carrying the key.
func (c *Cleaner) removeItemFiles(ctx context.Context, key string) (int, error) {
	removed := 0

	if c.opts.StagingDir != "" {
		staged, err := filepath.Glob(filepath.Join(c.opts.StagingDir, key+".*"))
		if err != nil {
			return removed, err
		}
		for _, path := range staged {
			if err := fileutil.RemoveIfExists(path); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if record, err := c.catalog.Get(ctx, key); err == nil && record.StoragePath != "" {
		if err := c.layout.Remove(record.StoragePath); err != nil {
			return removed, err
		}
		removed++
		return removed, nil
	}

	stored, err := filepath.Glob(filepath.Join(c.layout.Root, "*", "*", key+".*"))
	if err != nil {
		return removed, err
	}
	for _, path := range stored {
		if err := c.layout.Remove(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ClearOnSuccess removes the run and retry records after a fully
// successful run, leaving files and catalog rows in place.
func (c *Cleaner) ClearOnSuccess() error {
	if err := ledger.DeleteRun(c.opts.RunRecordPath); err != nil {
		return err
	}
	if c.opts.RetryRecordPath != "" {
		return ledger.DeleteRetry(c.opts.RetryRecordPath)
	}
	return nil
}
