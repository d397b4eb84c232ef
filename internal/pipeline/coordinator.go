package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"issbatch/internal/batchspec"
	"issbatch/internal/catalog"
	"issbatch/internal/cleanup"
	"issbatch/internal/config"
	"issbatch/internal/dedup"
	"issbatch/internal/enrich"
	"issbatch/internal/itemstate"
	"issbatch/internal/ledger"
	"issbatch/internal/logging"
	"issbatch/internal/provider"
	"issbatch/internal/retry"
	"issbatch/internal/storage"
	"issbatch/internal/transfer"
)

// ErrAlreadyRunning indicates another process holds the run lock.
var ErrAlreadyRunning = errors.New("another run is already in progress")

// Searcher is the discovery collaborator.
type Searcher interface {
	Search(ctx context.Context, mission, camera, filter string) ([]map[string]any, error)
}

// MetadataResolver is the enrichment collaborator.
type MetadataResolver interface {
	Resolve(ctx context.Context, candidates []batchspec.Candidate) ([]enrich.Resolution, map[string]error)
}

// ArtifactDownloader is the bulk-transfer collaborator.
type ArtifactDownloader interface {
	Run(ctx context.Context, destDir string, requests []transfer.Request, callbacks transfer.Callbacks) error
}

// RetryArm is the whole-run retry collaborator.
type RetryArm interface {
	ScheduleNext(ctx context.Context) (time.Time, error)
	ClearOnSuccess(ctx context.Context) error
}

// Deps carries the coordinator's collaborators.
type Deps struct {
	Items      *itemstate.Store
	Catalog    *catalog.Store
	Layout     *storage.Layout
	Cleaner    *cleanup.Cleaner
	Search     Searcher
	Resolver   MetadataResolver
	Provider   provider.API
	Downloader ArtifactDownloader
	Retry      RetryArm
}

// Summary reports what a run did; it is always produced, success or not.
type Summary struct {
	RunID            string
	StartedAt        time.Time
	FinishedAt       time.Time
	Discovered       int
	Duplicates       int
	AlreadyPersisted int
	Registered       int
	Total            int
	Completed        int
	WithErrors       int
	Outstanding      int
	NextRetry        *time.Time
}

// Coordinator executes one batch run.
type Coordinator struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New builds a coordinator.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Items == nil || deps.Catalog == nil || deps.Layout == nil || deps.Cleaner == nil {
		return nil, errors.New("state collaborators are required")
	}
	if deps.Search == nil || deps.Resolver == nil || deps.Provider == nil || deps.Downloader == nil || deps.Retry == nil {
		return nil, errors.New("stage collaborators are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logging.NewComponentLogger(logger, "pipeline"),
		now:    time.Now,
	}, nil
}

// Run executes the full pipeline for the batch specification at specPath.
// limit caps newly registered items; 0 means the configured default and a
// negative value disables the cap.
func (c *Coordinator) Run(ctx context.Context, specPath string, limit int) (*Summary, error) {
	lock := flock.New(c.cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, Wrap(ErrConfiguration, "", "lock", "acquire run lock", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	defer func() {
		_ = lock.Unlock()
	}()

	summary := &Summary{RunID: uuid.NewString(), StartedAt: c.now()}
	c.logger.Info("run starting", logging.String(logging.FieldRunID, summary.RunID))

	if err := c.recoverStaleRun(ctx); err != nil {
		return summary, c.fail(ctx, summary, Wrap(ErrBatchFatal, "", "recovery", "clean up stale run", err))
	}

	spec, err := batchspec.Load(specPath)
	if err != nil {
		return summary, Wrap(ErrConfiguration, "", "batch spec", "", err)
	}

	candidates, err := c.discover(ctx, spec)
	if err != nil {
		return summary, c.fail(ctx, summary, err)
	}
	summary.Discovered = len(candidates)

	filtered, err := dedup.Filter(ctx, candidates, c.deps.Catalog)
	if err != nil {
		return summary, c.fail(ctx, summary, Wrap(ErrBatchFatal, "", "dedup", "", err))
	}
	summary.Duplicates = filtered.Duplicates
	summary.AlreadyPersisted = filtered.Existing

	accepted := filtered.Candidates
	if limit == 0 {
		limit = c.cfg.Ingest.ItemLimit
	}
	if limit > 0 && len(accepted) > limit {
		c.logger.Info("candidate limit applied",
			logging.Int("limit", limit),
			logging.Int("dropped", len(accepted)-limit))
		accepted = accepted[:limit]
	}
	summary.Registered = len(accepted)

	if err := c.register(summary.RunID, accepted); err != nil {
		return summary, c.fail(ctx, summary, Wrap(ErrBatchFatal, "", "register", "", err))
	}

	reset, err := c.deps.Items.ResetErrors()
	if err != nil {
		return summary, c.fail(ctx, summary, Wrap(ErrBatchFatal, "", "reset errors", "", err))
	}
	if reset > 0 {
		c.logger.Info("errored items re-armed", logging.Int("count", reset))
	}

	cache := newArtifactCache()
	for _, candidate := range accepted {
		cache.put(candidate.Key, &artifact{
			Mission: candidate.Mission,
			Year:    candidate.Year(),
			Fields:  candidate.Fields,
		})
	}

	if err := c.fetchStage(ctx, cache); err != nil {
		return summary, c.fail(ctx, summary, err)
	}
	if err := c.storeStage(ctx, cache); err != nil {
		return summary, c.fail(ctx, summary, err)
	}
	if err := c.persistStage(ctx, cache); err != nil {
		return summary, c.fail(ctx, summary, err)
	}

	c.finish(summary)

	if err := c.deps.Retry.ClearOnSuccess(ctx); err != nil {
		c.logger.Warn("clearing retry state failed", logging.Error(err))
	}
	if err := c.deps.Cleaner.ClearOnSuccess(); err != nil {
		c.logger.Warn("clearing run record failed", logging.Error(err))
	}
	if c.deps.Items.AllComplete() {
		if err := c.deps.Items.Clear(); err != nil {
			c.logger.Warn("clearing item state failed", logging.Error(err))
		}
	}

	c.logger.Info("run finished",
		logging.String(logging.FieldRunID, summary.RunID),
		logging.Int("completed", summary.Completed),
		logging.Int("with_errors", summary.WithErrors))
	return summary, nil
}

// recoverStaleRun cleans up after a run that died without its failure path.
// In-flight provider jobs from that run cannot be reattached, so recovery
// is always cleanup, never resume.
func (c *Coordinator) recoverStaleRun(ctx context.Context) error {
	record, err := ledger.LoadRun(c.cfg.RunRecordPath())
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.Warn("stale run found, cleaning up",
		logging.String(logging.FieldRunID, record.RunID),
		logging.Int("items", len(record.ItemKeys)))
	return c.deps.Cleaner.CleanupRun(ctx, record)
}

func (c *Coordinator) discover(ctx context.Context, spec *batchspec.Spec) ([]batchspec.Candidate, error) {
	candidates := append([]batchspec.Candidate(nil), spec.Records...)

	for _, query := range spec.Queries {
		records, err := c.deps.Search.Search(ctx, query.Mission, query.Camera, query.Filter)
		if err != nil {
			return nil, Wrap(ErrBatchFatal, "", "discovery", query.Mission, err)
		}
		mapped, skipped := 0, 0
		for _, record := range records {
			candidate, err := batchspec.MapRecord(record)
			if err != nil {
				skipped++
				continue
			}
			candidates = append(candidates, candidate)
			mapped++
		}
		c.logger.Info("query discovered records",
			logging.String("mission", query.Mission),
			logging.Int("mapped", mapped),
			logging.Int("skipped", skipped))
	}
	return candidates, nil
}

func (c *Coordinator) register(runID string, accepted []batchspec.Candidate) error {
	keys := make([]string, 0, len(accepted))
	for _, candidate := range accepted {
		keys = append(keys, candidate.Key)
	}

	record := &ledger.RunRecord{
		RunID:           runID,
		ItemKeys:        keys,
		StorageLocation: c.cfg.Paths.StorageDir,
		CreatedAt:       c.now(),
	}
	if err := ledger.SaveRun(c.cfg.RunRecordPath(), record); err != nil {
		return err
	}

	added, err := c.deps.Items.Register(keys...)
	if err != nil {
		return err
	}
	c.logger.Info("items registered",
		logging.Int("new", added),
		logging.Int("accepted", len(keys)))
	return nil
}

// markItemError moves an item into the error stage matching its current
// progress. Item-level failures never abort the run.
func (c *Coordinator) markItemError(key string, cause error) {
	item, err := c.deps.Items.Get(key)
	if err != nil {
		c.logger.Warn("cannot mark unknown item",
			logging.String(logging.FieldItemKey, key),
			logging.Error(cause))
		return
	}

	var target itemstate.Stage
	switch item.Stage {
	case itemstate.StagePending:
		target = itemstate.StageErrorFetch
	case itemstate.StageFetched:
		target = itemstate.StageErrorStore
	case itemstate.StageStored:
		target = itemstate.StageErrorPersist
	default:
		return
	}

	if err := c.deps.Items.MarkError(key, target, cause); err != nil {
		c.logger.Warn("marking item error failed",
			logging.String(logging.FieldItemKey, key),
			logging.Error(err))
		return
	}
	c.logger.Warn("item failed",
		logging.String(logging.FieldItemKey, key),
		logging.String(logging.FieldStage, string(target)),
		logging.Error(cause))
}

// fail runs the failure path: run-scoped cleanup, then retry scheduling for
// retryable failures. The returned error carries the scheduling outcome.
func (c *Coordinator) fail(ctx context.Context, summary *Summary, cause error) error {
	c.finish(summary)
	c.logger.Error("run failed",
		logging.String(logging.FieldRunID, summary.RunID),
		logging.Error(cause))

	if record, err := ledger.LoadRun(c.cfg.RunRecordPath()); err == nil {
		if cleanupErr := c.deps.Cleaner.CleanupRun(ctx, record); cleanupErr != nil {
			c.logger.Error("cleanup failed", logging.Error(cleanupErr))
		}
	}

	if !ShouldScheduleRetry(cause) {
		return cause
	}

	next, err := c.deps.Retry.ScheduleNext(ctx)
	if err != nil {
		if errors.Is(err, retry.ErrRetryExhausted) {
			return fmt.Errorf("%w; %w", cause, err)
		}
		c.logger.Error("retry scheduling failed", logging.Error(err))
		return cause
	}
	summary.NextRetry = &next
	return cause
}

func (c *Coordinator) finish(summary *Summary) {
	summary.FinishedAt = c.now()
	stats := c.deps.Items.Statistics()
	summary.Total = stats.Total
	summary.Completed = stats.Completed
	summary.WithErrors = stats.WithErrors
	summary.Outstanding = stats.Outstanding
}
