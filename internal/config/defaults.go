package config

// Default returns the baseline configuration before any file overrides.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:   "~/.local/state/issbatch",
			StagingDir: "~/.local/state/issbatch/staging",
			StorageDir: "~/imagery",
			LogDir:     "~/.local/state/issbatch/logs",
		},
		Search: Search{
			BaseURL:        "https://eol.jsc.nasa.gov/SearchPhotos/PhotosDatabaseAPI/PhotosDatabaseAPI.pl",
			RequestTimeout: 60,
		},
		Provider: Provider{
			MaxConcurrentJobs: 6,
			PollInterval:      15,
			SubmitPause:       2,
			RequestTimeout:    30,
		},
		Enrich: Enrich{
			Workers:        20,
			RequestTimeout: 8,
			MaxAttempts:    3,
		},
		Transfer: Transfer{
			Binary:      "aria2c",
			Connections: 20,
			Timeout:     1800,
		},
		Retry: Retry{
			MaxRetries:          6,
			BaseIntervalMinutes: 10,
			TaskName:            "issbatch-run",
		},
		Ingest: Ingest{
			ItemLimit: 320,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
