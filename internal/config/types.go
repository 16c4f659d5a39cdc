package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Scheduler types accepted in TagSchedulerConfig.Type.
const (
	SchedulerSingleThreaded = "single-threaded"
	SchedulerRateLimited    = "rate-limited"
	SchedulerCircuitBreaker = "circuit-breaker"
)

// Duration is a time.Duration that reads and writes as a string ("250ms").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON encodes the duration in time.Duration.String form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// ManagerConfig tunes the execution manager.
type ManagerConfig struct {
	StartJitter     Duration `json:"start_jitter,omitempty"`     // Random delay before each job starts
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty"` // How long shutdown waits for in-flight work
	GCInterval      Duration `json:"gc_interval,omitempty"`      // How often finished tasks are dropped from the indexes
}

// ArchiveConfig controls the SQLite record of finished tasks.
type ArchiveConfig struct {
	Path      string   `json:"path,omitempty"`      // Database file; empty uses ~/.taskexec/archive.db
	Retention Duration `json:"retention,omitempty"` // Records older than this are pruned
	Disabled  bool     `json:"disabled,omitempty"`
}

// TagSchedulerConfig binds a scheduling policy to a tag.
type TagSchedulerConfig struct {
	Type        string   `json:"type"`                   // One of the Scheduler* constants
	Rate        float64  `json:"rate,omitempty"`         // rate-limited: tasks per second
	Burst       int      `json:"burst,omitempty"`        // rate-limited: burst size
	MaxFailures uint32   `json:"max_failures,omitempty"` // circuit-breaker: consecutive failures before opening
	OpenTimeout Duration `json:"open_timeout,omitempty"` // circuit-breaker: how long the breaker stays open
}

// JobConfig declares a command the CLI submits on start.
type JobConfig struct {
	Command       string   `json:"command"`
	Args          []string `json:"args,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Delay         Duration `json:"delay,omitempty"`
	Period        Duration `json:"period,omitempty"`         // Zero runs the job once
	Cron          string   `json:"cron,omitempty"`           // Standard cron expression; overrides Period
	MaxIterations int      `json:"max_iterations,omitempty"` // Zero is unbounded
	CancelOnError bool     `json:"cancel_on_error,omitempty"`
	MaxRetries    uint64   `json:"max_retries,omitempty"` // Attempts after a failed run, with exponential backoff
	Dir           string   `json:"dir,omitempty"`
	Env           []string `json:"env,omitempty"` // KEY=value pairs added to the environment
	Disabled      bool     `json:"disabled,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Manager       ManagerConfig                 `json:"manager"`
	Archive       ArchiveConfig                 `json:"archive"`
	LogLevel      string                        `json:"log_level,omitempty"`    // debug | info | warn | error
	LogFile       string                        `json:"log_file,omitempty"`     // Log destination while the dashboard is open
	MetricsAddr   string                        `json:"metrics_addr,omitempty"` // Empty disables the /metrics endpoint
	TagSchedulers map[string]TagSchedulerConfig `json:"tag_schedulers"`
	Jobs          map[string]JobConfig          `json:"jobs"`
}
