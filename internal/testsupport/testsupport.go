// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"issbatch/internal/config"
)

// NewConfig returns a validated configuration rooted in a temp directory,
// tuned so tests run fast.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Paths.StagingDir = filepath.Join(root, "staging")
	cfg.Paths.StorageDir = filepath.Join(root, "storage")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Search.BaseURL = "http://search.invalid"
	cfg.Provider.BaseURL = "http://provider.invalid"
	cfg.Provider.APIKey = "test-key"
	cfg.Provider.PollInterval = 1
	cfg.Provider.SubmitPause = 0
	cfg.Retry.BaseIntervalMinutes = 1

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WriteFile creates a file with contents under dir, creating parents.
func WriteFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
