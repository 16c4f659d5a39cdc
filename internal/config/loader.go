package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations:
// ~/.taskexec/config.json and .taskexec/config.json relative to cwd.
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskexec", "config.json"), filepath.Join(".taskexec", "config.json"), nil
}

// LoadDefault loads configuration from DefaultPaths.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into base.
// Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, &loaded)
	return nil
}

// merge overlays the non-zero fields of loaded onto base. Map entries are
// replaced per key.
func merge(base, loaded *Config) {
	if loaded.Manager.StartJitter != 0 {
		base.Manager.StartJitter = loaded.Manager.StartJitter
	}
	if loaded.Manager.ShutdownTimeout != 0 {
		base.Manager.ShutdownTimeout = loaded.Manager.ShutdownTimeout
	}
	if loaded.Manager.GCInterval != 0 {
		base.Manager.GCInterval = loaded.Manager.GCInterval
	}

	if loaded.Archive.Path != "" {
		base.Archive.Path = loaded.Archive.Path
	}
	if loaded.Archive.Retention != 0 {
		base.Archive.Retention = loaded.Archive.Retention
	}
	if loaded.Archive.Disabled {
		base.Archive.Disabled = true
	}

	if loaded.LogLevel != "" {
		base.LogLevel = loaded.LogLevel
	}
	if loaded.LogFile != "" {
		base.LogFile = loaded.LogFile
	}
	if loaded.MetricsAddr != "" {
		base.MetricsAddr = loaded.MetricsAddr
	}

	if base.TagSchedulers == nil {
		base.TagSchedulers = make(map[string]TagSchedulerConfig)
	}
	for tag, sched := range loaded.TagSchedulers {
		base.TagSchedulers[tag] = sched
	}

	if base.Jobs == nil {
		base.Jobs = make(map[string]JobConfig)
	}
	for name, job := range loaded.Jobs {
		base.Jobs[name] = job
	}
}

// Validate checks scheduler declarations and jobs.
func (c *Config) Validate() error {
	var errs []error

	for tag, sched := range c.TagSchedulers {
		switch sched.Type {
		case SchedulerSingleThreaded, SchedulerCircuitBreaker:
		case SchedulerRateLimited:
			if sched.Rate <= 0 {
				errs = append(errs, fmt.Errorf("tag scheduler %q: rate must be positive", tag))
			}
		default:
			errs = append(errs, fmt.Errorf("tag scheduler %q: unknown type %q", tag, sched.Type))
		}
	}

	for name, job := range c.Jobs {
		if job.Command == "" {
			errs = append(errs, fmt.Errorf("job %q: command is required", name))
		}
		if job.Period < 0 || job.Delay < 0 {
			errs = append(errs, fmt.Errorf("job %q: delay and period must not be negative", name))
		}
		if job.MaxIterations < 0 {
			errs = append(errs, fmt.Errorf("job %q: max_iterations must not be negative", name))
		}
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}
