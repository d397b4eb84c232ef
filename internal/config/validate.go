package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a configuration problem the user must fix.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return err
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return err
	}
	if c.Paths.StorageDir, err = expandPath(c.Paths.StorageDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}

	c.Search.BaseURL = strings.TrimSpace(c.Search.BaseURL)
	c.Search.APIKey = strings.TrimSpace(c.Search.APIKey)
	c.Provider.BaseURL = strings.TrimSpace(c.Provider.BaseURL)
	c.Provider.APIKey = strings.TrimSpace(c.Provider.APIKey)
	c.Transfer.Binary = strings.TrimSpace(c.Transfer.Binary)
	c.Retry.TaskName = strings.TrimSpace(c.Retry.TaskName)
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

// Validate checks that the configuration is usable for a run.
func (c *Config) Validate() error {
	if c.Paths.StateDir == "" {
		return ValidationError{Field: "paths.state_dir", Message: "must not be empty"}
	}
	if c.Paths.StagingDir == "" {
		return ValidationError{Field: "paths.staging_dir", Message: "must not be empty"}
	}
	if c.Paths.StorageDir == "" {
		return ValidationError{Field: "paths.storage_dir", Message: "must not be empty"}
	}
	if c.Search.BaseURL == "" {
		return ValidationError{Field: "search.base_url", Message: "must not be empty"}
	}
	if c.Provider.BaseURL == "" {
		return ValidationError{Field: "provider.base_url", Message: "must not be empty"}
	}
	if c.Provider.APIKey == "" {
		return ValidationError{Field: "provider.api_key", Message: "must be set"}
	}
	if c.Provider.MaxConcurrentJobs < 1 {
		return ValidationError{Field: "provider.max_concurrent_jobs", Message: "must be at least 1"}
	}
	if c.Provider.PollInterval < 1 {
		return ValidationError{Field: "provider.poll_interval", Message: "must be at least 1 second"}
	}
	if c.Enrich.Workers < 1 {
		return ValidationError{Field: "enrich.workers", Message: "must be at least 1"}
	}
	if c.Enrich.MaxAttempts < 1 {
		return ValidationError{Field: "enrich.max_attempts", Message: "must be at least 1"}
	}
	if c.Transfer.Binary == "" {
		return ValidationError{Field: "transfer.binary", Message: "must not be empty"}
	}
	if c.Transfer.Connections < 1 {
		return ValidationError{Field: "transfer.connections", Message: "must be at least 1"}
	}
	if c.Retry.MaxRetries < 0 {
		return ValidationError{Field: "retry.max_retries", Message: "must not be negative"}
	}
	if c.Retry.BaseIntervalMinutes < 1 {
		return ValidationError{Field: "retry.base_interval_minutes", Message: "must be at least 1"}
	}
	if c.Retry.TaskName == "" {
		return ValidationError{Field: "retry.task_name", Message: "must not be empty"}
	}
	if c.Ingest.ItemLimit < 0 {
		return ValidationError{Field: "ingest.item_limit", Message: "must not be negative"}
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return ValidationError{Field: "logging.format", Message: "must be console or json"}
	}
	return nil
}
