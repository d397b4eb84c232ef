// Package storage decides where completed artifacts live and moves them
// there from staging. Paths are a pure function of item metadata so the
// store stage and cleanup always agree on locations.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"issbatch/internal/fileutil"
)

// Layout computes final artifact paths under a storage root.
type Layout struct {
	Root string
}

// NewLayout builds a layout rooted at root.
func NewLayout(root string) (*Layout, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	return &Layout{Root: root}, nil
}

// FileName returns the artifact file name for an item key.
func FileName(key, ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return key + ext
}

// PathFor returns the final location for an item:
// <root>/<year>/<mission>/<key><ext>. Unknown year or mission fall back to
// "unknown" so a missing field never scatters files outside the layout.
func (l *Layout) PathFor(key, mission, year, ext string) string {
	if strings.TrimSpace(year) == "" {
		year = "unknown"
	}
	if strings.TrimSpace(mission) == "" {
		mission = "unknown"
	}
	return filepath.Join(l.Root, year, mission, FileName(key, ext))
}

// Place moves a staged file into its final location, creating parent
// directories as needed. It returns the final path.
func (l *Layout) Place(stagedPath, key, mission, year, ext string) (string, error) {
	finalPath := l.PathFor(key, mission, year, ext)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("create storage directory: %w", err)
	}
	if err := fileutil.MoveFile(stagedPath, finalPath); err != nil {
		return "", fmt.Errorf("move %s into storage: %w", key, err)
	}
	return finalPath, nil
}

// Remove deletes the artifact at path and prunes empty parent directories
// up to the storage root. Absent files are not an error.
func (l *Layout) Remove(path string) error {
	if err := fileutil.RemoveIfExists(path); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	root := filepath.Clean(l.Root)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}
