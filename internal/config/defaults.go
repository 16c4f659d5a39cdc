package config

import "time"

// DefaultConfig returns the built-in configuration: a serial tag, a one-day
// archive retention and no jobs.
func DefaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			ShutdownTimeout: Duration(10 * time.Second),
			GCInterval:      Duration(time.Minute),
		},
		Archive: ArchiveConfig{
			Retention: Duration(24 * time.Hour),
		},
		LogLevel: "info",
		TagSchedulers: map[string]TagSchedulerConfig{
			"serial": {
				Type: SchedulerSingleThreaded,
			},
		},
		Jobs: map[string]JobConfig{},
	}
}
