package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"issbatch/internal/catalog"
	"issbatch/internal/cleanup"
	"issbatch/internal/discovery"
	"issbatch/internal/enrich"
	"issbatch/internal/hostsched"
	"issbatch/internal/itemstate"
	"issbatch/internal/logging"
	"issbatch/internal/pipeline"
	"issbatch/internal/provider"
	"issbatch/internal/retry"
	"issbatch/internal/storage"
	"issbatch/internal/transfer"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "run <batch-spec>",
		Short: "Execute one ingestion run for a batch specification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), ctx, cmd.OutOrStdout(), args[0], limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0,
		"Cap on newly registered items (0 uses the configured default, negative disables the cap)")
	return cmd
}

func runBatch(cmdCtx context.Context, ctx *commandContext, out io.Writer, specPath string, limit int) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	absSpecPath, err := filepath.Abs(specPath)
	if err != nil {
		return fmt.Errorf("resolve batch spec path: %w", err)
	}

	logger, err := logging.NewForRun(cfg.Logging.Level, cfg.Logging.Format, cfg.Paths.LogDir)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
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

	layout, err := storage.NewLayout(cfg.Paths.StorageDir)
	if err != nil {
		return fmt.Errorf("storage layout: %w", err)
	}
	cleaner, err := cleanup.NewCleaner(cleanup.Options{
		RunRecordPath:   cfg.RunRecordPath(),
		RetryRecordPath: cfg.RetryRecordPath(),
		StagingDir:      cfg.Paths.StagingDir,
	}, items, cat, layout, logger)
	if err != nil {
		return fmt.Errorf("cleaner: %w", err)
	}

	search, err := discovery.NewClient(cfg.Search.BaseURL, cfg.Search.APIKey,
		time.Duration(cfg.Search.RequestTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("discovery client: %w", err)
	}
	resolver, err := enrich.NewResolver(cfg.Search.BaseURL, cfg.Search.APIKey, enrich.Options{
		Workers:        cfg.Enrich.Workers,
		RequestTimeout: time.Duration(cfg.Enrich.RequestTimeout) * time.Second,
		MaxAttempts:    cfg.Enrich.MaxAttempts,
	}, logger)
	if err != nil {
		return fmt.Errorf("metadata resolver: %w", err)
	}
	providerClient, err := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		time.Duration(cfg.Provider.RequestTimeout)*time.Second)
	if err != nil {
		return fmt.Errorf("provider client: %w", err)
	}
	downloader, err := transfer.NewDownloader(transfer.Options{
		Binary:      cfg.Transfer.Binary,
		Connections: cfg.Transfer.Connections,
		Timeout:     time.Duration(cfg.Transfer.Timeout) * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("downloader: %w", err)
	}
	retryScheduler, err := retry.NewScheduler(retry.Options{
		RecordPath:   cfg.RetryRecordPath(),
		TaskName:     cfg.Retry.TaskName,
		Command:      retryCommand(ctx, absSpecPath, limit),
		MaxRetries:   cfg.Retry.MaxRetries,
		BaseInterval: cfg.RetryBaseInterval(),
	}, hostsched.NewSystemdScheduler(logger), logger)
	if err != nil {
		return fmt.Errorf("retry scheduler: %w", err)
	}

	coordinator, err := pipeline.New(cfg, pipeline.Deps{
		Items:      items,
		Catalog:    cat,
		Layout:     layout,
		Cleaner:    cleaner,
		Search:     search,
		Resolver:   resolver,
		Provider:   providerClient,
		Downloader: downloader,
		Retry:      retryScheduler,
	}, logger)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	summary, runErr := coordinator.Run(signalCtx, absSpecPath, limit)
	if summary != nil {
		printSummary(out, summary)
	}
	return runErr
}

// retryCommand is what the host scheduler re-executes after a fatal run
// failure. The batch spec path is absolute so the scheduled process does
// not depend on the working directory.
func retryCommand(ctx *commandContext, absSpecPath string, limit int) []string {
	executable, err := os.Executable()
	if err != nil {
		executable = "issbatch"
	}
	command := []string{executable, "run", absSpecPath}
	if path := ctx.configPath(); path != "" {
		command = append(command, "--config", path)
	}
	if limit != 0 {
		command = append(command, "--limit", strconv.Itoa(limit))
	}
	return command
}

func printSummary(out io.Writer, summary *pipeline.Summary) {
	fmt.Fprintf(out, "Run %s finished in %s\n",
		summary.RunID, summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second))
	fmt.Fprintf(out, "  discovered:        %d\n", summary.Discovered)
	fmt.Fprintf(out, "  duplicates:        %d\n", summary.Duplicates)
	fmt.Fprintf(out, "  already persisted: %d\n", summary.AlreadyPersisted)
	fmt.Fprintf(out, "  registered:        %d\n", summary.Registered)
	fmt.Fprintf(out, "  completed:         %d of %d\n", summary.Completed, summary.Total)
	if summary.WithErrors > 0 {
		fmt.Fprintf(out, "  with errors:       %d\n", summary.WithErrors)
	}
	if summary.Outstanding > 0 {
		fmt.Fprintf(out, "  outstanding:       %d\n", summary.Outstanding)
	}
	if summary.NextRetry != nil {
		fmt.Fprintf(out, "  next retry:        %s\n", summary.NextRetry.Format(time.RFC3339))
	}
}
