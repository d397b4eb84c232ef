package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"issbatch/internal/catalog"
	"issbatch/internal/itemstate"
	"issbatch/internal/ledger"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var showItems bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show batch state, catalog size, and pending retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), ctx, cmd.OutOrStdout(), showItems)
		},
	}

	cmd.Flags().BoolVar(&showItems, "items", false, "List every tracked item")
	return cmd
}

// runStatus reads a point-in-time snapshot of the state files. It never
// takes the run lock, so the view may lag a run in progress.
func runStatus(cmdCtx context.Context, ctx *commandContext, out io.Writer, showItems bool) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	items, err := itemstate.Open(cfg.ItemStatePath())
	if err != nil {
		return fmt.Errorf("open item state: %w", err)
	}
	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	count, err := cat.Count(cmdCtx)
	if err != nil {
		return fmt.Errorf("count catalog: %w", err)
	}
	fmt.Fprintf(out, "Catalog: %d images at %s\n", count, cfg.Paths.StorageDir)

	if record, err := ledger.LoadRun(cfg.RunRecordPath()); err == nil {
		fmt.Fprintf(out, "Run in flight (or stale): %s with %d items, started %s\n",
			record.RunID, len(record.ItemKeys), record.CreatedAt.Format(time.RFC3339))
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("read run record: %w", err)
	}

	if record, err := ledger.LoadRetry(cfg.RetryRecordPath()); err == nil {
		fmt.Fprintf(out, "Retry armed: attempt %d at %s\n",
			record.AttemptNumber, record.NextExecutionTime.Format(time.RFC3339))
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("read retry record: %w", err)
	}

	stats := items.Statistics()
	if stats.Total == 0 {
		fmt.Fprintln(out, "No items tracked")
		return nil
	}

	fmt.Fprintf(out, "Items: %d total, %d complete, %d with errors, %d outstanding\n",
		stats.Total, stats.Completed, stats.WithErrors, stats.Outstanding)

	if !showItems {
		rows := make([][]string, 0, len(stats.ByStage))
		for _, stage := range []itemstate.Stage{
			itemstate.StagePending, itemstate.StageFetched, itemstate.StageStored,
			itemstate.StageComplete, itemstate.StageErrorFetch,
			itemstate.StageErrorStore, itemstate.StageErrorPersist,
		} {
			if n := stats.ByStage[stage]; n > 0 {
				rows = append(rows, []string{string(stage), fmt.Sprintf("%d", n)})
			}
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Stage", "Items"}, rows,
			[]columnAlignment{alignLeft, alignRight}))
		return nil
	}

	rows := make([][]string, 0, stats.Total)
	for _, key := range items.Keys() {
		item, err := items.Get(key)
		if err != nil {
			continue
		}
		rows = append(rows, []string{
			item.Key,
			string(item.Stage),
			fmt.Sprintf("%d", item.Attempts),
			truncate(item.LastError, 48),
			item.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Key", "Stage", "Attempts", "Last Error", "Updated"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft}))
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
