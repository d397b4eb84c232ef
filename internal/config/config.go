package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir   string `toml:"state_dir"`
	StagingDir string `toml:"staging_dir"`
	StorageDir string `toml:"storage_dir"`
	LogDir     string `toml:"log_dir"`
}

// Search contains configuration for the imagery search API used during
// discovery.
type Search struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Provider contains configuration for the external render-job provider.
type Provider struct {
	BaseURL           string `toml:"base_url"`
	APIKey            string `toml:"api_key"`
	MaxConcurrentJobs int    `toml:"max_concurrent_jobs"`
	PollInterval      int    `toml:"poll_interval"`
	SubmitPause       int    `toml:"submit_pause"`
	RequestTimeout    int    `toml:"request_timeout"`
}

// Enrich contains configuration for per-item metadata resolution.
type Enrich struct {
	Workers        int `toml:"workers"`
	RequestTimeout int `toml:"request_timeout"`
	MaxAttempts    int `toml:"max_attempts"`
}

// Transfer contains configuration for the bulk download step.
type Transfer struct {
	Binary      string `toml:"binary"`
	Connections int    `toml:"connections"`
	Timeout     int    `toml:"timeout"`
}

// Retry contains configuration for whole-run retry scheduling.
type Retry struct {
	MaxRetries          int    `toml:"max_retries"`
	BaseIntervalMinutes int    `toml:"base_interval_minutes"`
	TaskName            string `toml:"task_name"`
}

// Ingest contains batch-level tunables.
type Ingest struct {
	ItemLimit int `toml:"item_limit"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for issbatch.
type Config struct {
	Paths    Paths    `toml:"paths"`
	Search   Search   `toml:"search"`
	Provider Provider `toml:"provider"`
	Enrich   Enrich   `toml:"enrich"`
	Transfer Transfer `toml:"transfer"`
	Retry    Retry    `toml:"retry"`
	Ingest   Ingest   `toml:"ingest"`
	Logging  Logging  `toml:"logging"`
}

// ExpandPath expands a leading ~ and returns an absolute, cleaned path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// DefaultConfigPath returns the absolute path of the default config location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/issbatch/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("issbatch.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories a run needs. StorageDir is
// created on a best-effort basis so runs can start while external storage is
// temporarily unavailable (the transfer stage will surface the real failure).
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.StagingDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.StorageDir) != "" {
		_ = os.MkdirAll(c.Paths.StorageDir, 0o755)
	}
	return nil
}

// ItemStatePath returns the location of the per-item stage file.
func (c *Config) ItemStatePath() string {
	return filepath.Join(c.Paths.StateDir, "item_state.json")
}

// RunRecordPath returns the location of the active run record.
func (c *Config) RunRecordPath() string {
	return filepath.Join(c.Paths.StateDir, "current_run.json")
}

// RetryRecordPath returns the location of the retry bookkeeping record.
func (c *Config) RetryRecordPath() string {
	return filepath.Join(c.Paths.StateDir, "retry_info.json")
}

// CatalogPath returns the location of the SQLite image catalog.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.Paths.StateDir, "catalog.db")
}

// LockPath returns the location of the single-orchestrator lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "issbatch.lock")
}

// PollInterval returns the provider poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Provider.PollInterval) * time.Second
}

// SubmitPause returns the pause between submission waves as a duration.
func (c *Config) SubmitPause() time.Duration {
	return time.Duration(c.Provider.SubmitPause) * time.Second
}

// RetryBaseInterval returns the linear backoff unit as a duration.
func (c *Config) RetryBaseInterval() time.Duration {
	return time.Duration(c.Retry.BaseIntervalMinutes) * time.Minute
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
