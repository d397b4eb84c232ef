package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"issbatch/internal/fileutil"
)

// ErrNotFound indicates the requested record does not exist on disk.
var ErrNotFound = errors.New("record not found")

// RunRecord identifies the active run and everything it owns, so a failure
// path can clean up exactly this run's artifacts and nothing else.
type RunRecord struct {
	RunID           string    `json:"run_id"`
	ItemKeys        []string  `json:"item_keys"`
	StorageLocation string    `json:"storage_location"`
	CreatedAt       time.Time `json:"created_at"`
}

// RetryRecord tracks whole-run retry arming across process restarts.
type RetryRecord struct {
	AttemptNumber     int       `json:"attempt_number"`
	NextExecutionTime time.Time `json:"next_execution_time"`
	CreatedAt         time.Time `json:"created_at"`
}

// Contains reports whether the run owns the given item key.
func (r *RunRecord) Contains(key string) bool {
	for _, k := range r.ItemKeys {
		if k == key {
			return true
		}
	}
	return false
}

// SaveRun writes the run record atomically.
func SaveRun(path string, record *RunRecord) error {
	if record.RunID == "" {
		return errors.New("run record requires a run id")
	}
	return save(path, record, "run record")
}

// LoadRun reads the run record, returning ErrNotFound when absent.
func LoadRun(path string) (*RunRecord, error) {
	var record RunRecord
	if err := load(path, &record, "run record"); err != nil {
		return nil, err
	}
	if record.RunID == "" {
		return nil, fmt.Errorf("run record %s: missing run id", path)
	}
	return &record, nil
}

// DeleteRun removes the run record. Missing files are not an error.
func DeleteRun(path string) error {
	return fileutil.RemoveIfExists(path)
}

// SaveRetry writes the retry record atomically.
func SaveRetry(path string, record *RetryRecord) error {
	if record.AttemptNumber < 1 {
		return fmt.Errorf("retry record requires a positive attempt, got %d", record.AttemptNumber)
	}
	return save(path, record, "retry record")
}

// LoadRetry reads the retry record, returning ErrNotFound when absent.
func LoadRetry(path string) (*RetryRecord, error) {
	var record RetryRecord
	if err := load(path, &record, "retry record"); err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteRetry removes the retry record. Missing files are not an error.
func DeleteRetry(path string) error {
	return fileutil.RemoveIfExists(path)
}

func save(path string, record any, label string) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", label, err)
	}
	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", label, err)
	}
	return nil
}

func load(path string, record any, label string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", label, path, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", label, err)
	}
	if err := json.Unmarshal(data, record); err != nil {
		return fmt.Errorf("parse %s: %w", label, err)
	}
	return nil
}
