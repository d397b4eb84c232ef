package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"issbatch/internal/catalog"
	"issbatch/internal/itemstate"
	"issbatch/internal/ledger"
	"issbatch/internal/storage"
)

type fixture struct {
	cleaner    *Cleaner
	items      *itemstate.Store
	catalog    *catalog.Store
	layout     *storage.Layout
	stagingDir string
	runPath    string
	retryPath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	stagingDir := filepath.Join(root, "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		t.Fatal(err)
	}

	items, err := itemstate.Open(filepath.Join(root, "item_state.json"))
	if err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	layout, err := storage.NewLayout(filepath.Join(root, "storage"))
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		RunRecordPath:   filepath.Join(root, "current_run.json"),
		RetryRecordPath: filepath.Join(root, "retry_info.json"),
		StagingDir:      stagingDir,
	}
	cleaner, err := NewCleaner(opts, items, cat, layout, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		cleaner:    cleaner,
		items:      items,
		catalog:    cat,
		layout:     layout,
		stagingDir: stagingDir,
		runPath:    opts.RunRecordPath,
		retryPath:  opts.RetryRecordPath,
	}
}

func (f *fixture) stageFile(t *testing.T, key string) string {
	t.Helper()
	path := filepath.Join(f.stagingDir, key+".jpg")
	if err := os.WriteFile(path, []byte("staged"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) storeFile(t *testing.T, key string) string {
	t.Helper()
	path := f.layout.PathFor(key, "ISS070", "2024", ".jpg")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("stored"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) catalogRow(t *testing.T, key, storagePath string) {
	t.Helper()
	inserted, err := f.catalog.InsertIfAbsent(context.Background(), &catalog.Record{
		Key:         key,
		Mission:     "ISS070",
		Roll:        "E",
		Frame:       "1",
		StoragePath: storagePath,
	})
	if err != nil || !inserted {
		t.Fatalf("insert row: %v %v", inserted, err)
	}
}

func TestCleanupRemovesIncompleteItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.items.Register("staged", "persisted", "finished"); err != nil {
		t.Fatal(err)
	}
	// "finished" completed; the others did not.
	for _, stage := range []itemstate.Stage{itemstate.StageFetched, itemstate.StageStored, itemstate.StageComplete} {
		if err := f.items.Transition("finished", stage); err != nil {
			t.Fatal(err)
		}
	}

	stagedFile := f.stageFile(t, "staged")
	persistedFile := f.storeFile(t, "persisted")
	f.catalogRow(t, "persisted", persistedFile)
	finishedFile := f.storeFile(t, "finished")
	f.catalogRow(t, "finished", finishedFile)

	record := &ledger.RunRecord{
		RunID:    "run-1",
		ItemKeys: []string{"staged", "persisted", "finished"},
	}
	if err := ledger.SaveRun(f.runPath, record); err != nil {
		t.Fatal(err)
	}

	if err := f.cleaner.CleanupRun(ctx, record); err != nil {
		t.Fatalf("CleanupRun: %v", err)
	}

	for _, gone := range []string{stagedFile, persistedFile} {
		if _, err := os.Stat(gone); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s should be removed", gone)
		}
	}
	if _, err := os.Stat(finishedFile); err != nil {
		t.Fatal("completed item's file must survive")
	}
	if _, err := f.catalog.Get(ctx, "persisted"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatal("incomplete item's row should be deleted")
	}
	if _, err := f.catalog.Get(ctx, "finished"); err != nil {
		t.Fatal("completed item's row must survive")
	}
	if _, err := ledger.LoadRun(f.runPath); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatal("run record should be deleted")
	}
}

func TestCleanupRollsBackCleanedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A crash after "stored" leaves the item claiming progress whose file
	// cleanup is about to destroy; the stage must fall back with it.
	if _, err := f.items.Register("stored", "finished"); err != nil {
		t.Fatal(err)
	}
	for _, stage := range []itemstate.Stage{itemstate.StageFetched, itemstate.StageStored} {
		if err := f.items.Transition("stored", stage); err != nil {
			t.Fatal(err)
		}
	}
	for _, stage := range []itemstate.Stage{itemstate.StageFetched, itemstate.StageStored, itemstate.StageComplete} {
		if err := f.items.Transition("finished", stage); err != nil {
			t.Fatal(err)
		}
	}
	storedFile := f.storeFile(t, "stored")

	record := &ledger.RunRecord{RunID: "run-1", ItemKeys: []string{"stored", "finished"}}
	if err := f.cleaner.CleanupRun(ctx, record); err != nil {
		t.Fatalf("CleanupRun: %v", err)
	}

	if _, err := os.Stat(storedFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("stored file should be removed")
	}
	item, err := f.items.Get("stored")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Stage != itemstate.StagePending {
		t.Fatalf("stage = %s, want pending after its output was destroyed", item.Stage)
	}
	if item, _ := f.items.Get("finished"); item.Stage != itemstate.StageComplete {
		t.Fatalf("finished stage = %s, must stay complete", item.Stage)
	}
}

func TestCleanupNeverTouchesOtherRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.items.Register("mine", "other"); err != nil {
		t.Fatal(err)
	}
	otherFile := f.storeFile(t, "other")
	f.catalogRow(t, "other", otherFile)
	mineFile := f.stageFile(t, "mine")

	record := &ledger.RunRecord{RunID: "run-a", ItemKeys: []string{"mine"}}
	if err := f.cleaner.CleanupRun(ctx, record); err != nil {
		t.Fatalf("CleanupRun: %v", err)
	}

	if _, err := os.Stat(otherFile); err != nil {
		t.Fatal("file outside the run was removed")
	}
	if _, err := f.catalog.Get(ctx, "other"); err != nil {
		t.Fatal("row outside the run was removed")
	}
	if _, err := os.Stat(mineFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("run's own staged file should be removed")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.items.Register("a"); err != nil {
		t.Fatal(err)
	}
	f.stageFile(t, "a")
	record := &ledger.RunRecord{RunID: "run-1", ItemKeys: []string{"a"}}

	if err := f.cleaner.CleanupRun(ctx, record); err != nil {
		t.Fatalf("first CleanupRun: %v", err)
	}
	if err := f.cleaner.CleanupRun(ctx, record); err != nil {
		t.Fatalf("second CleanupRun: %v", err)
	}
}

func TestCleanupHandlesUnregisteredKeys(t *testing.T) {
	f := newFixture(t)
	// Key in the run record but missing from the item-state file, as after
	// a crash between registering the record and the items.
	f.stageFile(t, "phantom")
	record := &ledger.RunRecord{RunID: "run-1", ItemKeys: []string{"phantom"}}

	if err := f.cleaner.CleanupRun(context.Background(), record); err != nil {
		t.Fatalf("CleanupRun: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.stagingDir, "phantom.jpg")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("phantom file should be removed")
	}
}

func TestClearOnSuccess(t *testing.T) {
	f := newFixture(t)

	if err := ledger.SaveRun(f.runPath, &ledger.RunRecord{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}
	if err := ledger.SaveRetry(f.retryPath, &ledger.RetryRecord{AttemptNumber: 1}); err != nil {
		t.Fatal(err)
	}

	if err := f.cleaner.ClearOnSuccess(); err != nil {
		t.Fatalf("ClearOnSuccess: %v", err)
	}
	if _, err := ledger.LoadRun(f.runPath); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatal("run record should be gone")
	}
	if _, err := ledger.LoadRetry(f.retryPath); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatal("retry record should be gone")
	}
}
