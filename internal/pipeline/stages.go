package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"issbatch/internal/batchspec"
	"issbatch/internal/catalog"
	"issbatch/internal/dispatch"
	"issbatch/internal/itemstate"
	"issbatch/internal/logging"
	"issbatch/internal/provider"
	"issbatch/internal/storage"
	"issbatch/internal/transfer"
)

// fetchStage resolves metadata and drives provider jobs until every
// workable item has an artifact URL. Items already at fetched from an
// earlier run lost their run-scoped artifact with that run, so their jobs
// are re-dispatched; resubmitting a finished render is idempotent at the
// provider.
func (c *Coordinator) fetchStage(ctx context.Context, cache *artifactCache) error {
	items := c.deps.Items.SelectByStage(itemstate.StagePending, itemstate.StageFetched)
	if len(items) == 0 {
		return nil
	}

	work := make([]batchspec.Candidate, 0, len(items))
	for _, item := range items {
		entry, ok := cache.get(item.Key)
		if !ok {
			candidate, err := batchspec.FromKey(item.Key)
			if err != nil {
				c.markItemError(item.Key, err)
				continue
			}
			entry = &artifact{Mission: candidate.Mission, Fields: candidate.Fields}
			cache.put(item.Key, entry)
			work = append(work, candidate)
			continue
		}
		candidate, err := batchspec.FromKey(item.Key)
		if err != nil {
			c.markItemError(item.Key, err)
			continue
		}
		candidate.Fields = entry.Fields
		work = append(work, candidate)
	}
	if len(work) == 0 {
		return nil
	}

	resolutions, failures := c.deps.Resolver.Resolve(ctx, work)
	for key, cause := range failures {
		c.markItemError(key, cause)
	}
	if err := ctx.Err(); err != nil {
		return Wrap(ErrBatchFatal, "fetch", "resolve", "", err)
	}
	if len(resolutions) == 0 {
		return nil
	}

	manager := dispatch.NewManager(c.deps.Provider, dispatch.Options{
		MaxConcurrent: c.cfg.Provider.MaxConcurrentJobs,
		PollInterval:  c.cfg.PollInterval(),
		SubmitPause:   c.cfg.SubmitPause(),
	}, c.logger)

	for _, resolution := range resolutions {
		if entry, ok := cache.get(resolution.Key); ok {
			entry.CameraModel = resolution.CameraModel
			entry.Lens = resolution.Lens
		}
		manager.Add(resolution.Key, resolution.Spec)
	}

	runErr := manager.Run(ctx, dispatch.Callbacks{
		OnCompleted: func(key string, status provider.JobStatus) {
			entry, ok := cache.get(key)
			if !ok {
				entry = &artifact{}
				cache.put(key, entry)
			}
			entry.URL = status.ArtifactURL
			entry.Ext = artifactExt(status.ArtifactURL)

			item, err := c.deps.Items.Get(key)
			if err == nil && item.Stage == itemstate.StagePending {
				if err := c.deps.Items.Transition(key, itemstate.StageFetched); err != nil {
					c.markItemError(key, err)
				}
			}
		},
		OnFailed: func(key string, status provider.JobStatus) {
			c.markItemError(key, fmt.Errorf("provider job %s: %s", status.State, status.Error))
		},
		OnProgress: func(progress dispatch.Progress) {
			c.logger.Debug("dispatch progress",
				logging.Int("pending", progress.Pending),
				logging.Int("active", progress.Active),
				logging.Int("completed", progress.Completed),
				logging.Int("failed", progress.Failed))
		},
	})
	if runErr != nil {
		c.cancelActiveJobs(manager)
		return Wrap(ErrBatchFatal, "fetch", "dispatch", "", runErr)
	}
	return nil
}

// cancelActiveJobs aborts jobs still live at the provider. The dispatch
// manager never cancels on its own; that decision belongs here.
func (c *Coordinator) cancelActiveJobs(manager *dispatch.Manager) {
	handles := manager.ActiveHandles()
	if len(handles) == 0 {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.Background(), c.cfg.PollInterval())
	defer cancel()
	for _, handle := range handles {
		if err := c.deps.Provider.Cancel(cancelCtx, handle); err != nil {
			c.logger.Warn("cancelling provider job failed",
				logging.String(logging.FieldJobID, handle.ID),
				logging.Error(err))
		}
	}
}

// storeStage bulk-downloads fetched artifacts into staging and moves each
// into its final storage location as its download completes.
func (c *Coordinator) storeStage(ctx context.Context, cache *artifactCache) error {
	items := c.deps.Items.SelectByStage(itemstate.StageFetched)
	if len(items) == 0 {
		return nil
	}

	requests := make([]transfer.Request, 0, len(items))
	for _, item := range items {
		entry, ok := cache.get(item.Key)
		if !ok || entry.URL == "" {
			c.markItemError(item.Key, errors.New("no artifact available"))
			continue
		}
		name := storage.FileName(item.Key, entry.Ext)
		entry.StagedPath = filepath.Join(c.cfg.Paths.StagingDir, name)
		requests = append(requests, transfer.Request{
			Key:             item.Key,
			SourceURL:       entry.URL,
			DestinationName: name,
		})
	}
	if len(requests) == 0 {
		return nil
	}

	err := c.deps.Downloader.Run(ctx, c.cfg.Paths.StagingDir, requests, transfer.Callbacks{
		OnItemComplete: func(key string) {
			entry, ok := cache.get(key)
			if !ok {
				return
			}
			finalPath, err := c.deps.Layout.Place(entry.StagedPath, key, entry.Mission, entry.Year, entry.Ext)
			if err != nil {
				c.markItemError(key, err)
				return
			}
			entry.StoragePath = finalPath
			if err := c.deps.Items.Transition(key, itemstate.StageStored); err != nil {
				c.markItemError(key, err)
			}
		},
		OnItemError: c.markItemError,
	})
	if err != nil {
		return Wrap(ErrBatchFatal, "store", "transfer", "", err)
	}

	// Items the downloader never reported on get an error stage rather
	// than silently staying fetched.
	for _, item := range c.deps.Items.SelectByStage(itemstate.StageFetched) {
		c.markItemError(item.Key, errors.New("transfer ended without a completion signal"))
	}
	return nil
}

// persistStage writes a catalog row for every stored item and completes it.
func (c *Coordinator) persistStage(ctx context.Context, cache *artifactCache) error {
	items := c.deps.Items.SelectByStage(itemstate.StageStored)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return Wrap(ErrBatchFatal, "persist", "", "", err)
		}

		record, err := c.buildRecord(item.Key, cache)
		if err != nil {
			c.markItemError(item.Key, err)
			continue
		}
		if _, err := c.deps.Catalog.InsertIfAbsent(ctx, record); err != nil {
			c.markItemError(item.Key, err)
			continue
		}
		if err := c.deps.Items.Transition(item.Key, itemstate.StageComplete); err != nil {
			c.markItemError(item.Key, err)
		}
	}
	return nil
}

// buildRecord assembles the catalog aggregate for a stored item. Items
// carried over from an earlier run have no cache entry; their file is
// located in the storage layout and the year and mission read back from
// its path.
func (c *Coordinator) buildRecord(key string, cache *artifactCache) (*catalog.Record, error) {
	mission, roll, frame, err := batchspec.ParseKey(key)
	if err != nil {
		return nil, err
	}

	entry, _ := cache.get(key)
	if entry == nil {
		entry = &artifact{}
	}
	if entry.StoragePath == "" {
		path, pathMission, year, findErr := c.findStoredFile(key)
		if findErr != nil {
			return nil, findErr
		}
		entry.StoragePath = path
		if entry.Mission == "" {
			entry.Mission = pathMission
		}
		if entry.Year == "" {
			entry.Year = year
		}
	}

	record := &catalog.Record{
		Key:         key,
		Mission:     mission,
		Roll:        roll,
		Frame:       frame,
		StoragePath: entry.StoragePath,
		Details: catalog.Details{
			CapturedDate: entry.Fields["date"],
			CapturedTime: entry.Fields["time"],
			FocalLength:  entry.Fields["focal_length"],
			Tilt:         entry.Fields["tilt"],
		},
	}
	if entry.CameraModel != "" || entry.Lens != "" {
		record.Camera = &catalog.Camera{Model: entry.CameraModel, Lens: entry.Lens}
	}
	if location, ok := parseLocation(entry.Fields); ok {
		record.Location = location
	}
	return record, nil
}

func (c *Coordinator) findStoredFile(key string) (path, mission, year string, err error) {
	matches, err := filepath.Glob(filepath.Join(c.deps.Layout.Root, "*", "*", key+".*"))
	if err != nil {
		return "", "", "", err
	}
	if len(matches) == 0 {
		return "", "", "", fmt.Errorf("no stored file for %s", key)
	}

	path = matches[0]
	rel, relErr := filepath.Rel(c.deps.Layout.Root, path)
	if relErr == nil {
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) == 3 {
			year, mission = parts[0], parts[1]
		}
	}
	return path, mission, year, nil
}

func parseLocation(fields map[string]string) (*catalog.Location, bool) {
	if fields == nil {
		return nil, false
	}
	latitude, latErr := strconv.ParseFloat(fields["latitude"], 64)
	longitude, lonErr := strconv.ParseFloat(fields["longitude"], 64)
	if latErr != nil || lonErr != nil {
		return nil, false
	}
	location := &catalog.Location{Latitude: latitude, Longitude: longitude}
	if elevation, err := strconv.ParseFloat(fields["elevation"], 64); err == nil {
		location.Elevation = elevation
	}
	return location, true
}

// artifactExt extracts the file extension from an artifact URL, defaulting
// to .jpg when the URL does not carry one.
func artifactExt(rawURL string) string {
	trimmed := rawURL
	if index := strings.IndexAny(trimmed, "?#"); index >= 0 {
		trimmed = trimmed[:index]
	}
	ext := filepath.Ext(trimmed)
	if ext == "" || strings.Contains(ext, "/") {
		return ".jpg"
	}
	return ext
}
