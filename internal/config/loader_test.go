package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "marshaling config")
	require.NoError(t, os.WriteFile(path, data, 0644), "writing config")
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		globalConfig    *Config
		projectConfig   *Config
		expectSchedTags int
		expectJobs      int
		checkJob        string
		expectCommand   string
		expectShutdown  time.Duration
		expectJitter    time.Duration
	}{
		{
			name:            "No config files - returns defaults",
			expectSchedTags: 1,
			expectJobs:      0,
			expectShutdown:  10 * time.Second,
		},
		{
			name: "Global only - adds job and scheduler",
			globalConfig: &Config{
				TagSchedulers: map[string]TagSchedulerConfig{
					"api": {Type: SchedulerRateLimited, Rate: 5, Burst: 1},
				},
				Jobs: map[string]JobConfig{
					"uptime": {Command: "uptime", Period: Duration(time.Minute)},
				},
			},
			expectSchedTags: 2,
			expectJobs:      1,
			checkJob:        "uptime",
			expectCommand:   "uptime",
			expectShutdown:  10 * time.Second,
		},
		{
			name: "Project overrides global - project wins",
			globalConfig: &Config{
				Manager: ManagerConfig{ShutdownTimeout: Duration(3 * time.Second)},
				Jobs: map[string]JobConfig{
					"sync": {Command: "rsync"},
				},
			},
			projectConfig: &Config{
				Manager: ManagerConfig{StartJitter: Duration(50 * time.Millisecond)},
				Jobs: map[string]JobConfig{
					"sync": {Command: "rclone"},
				},
			},
			expectSchedTags: 1,
			expectJobs:      1,
			checkJob:        "sync",
			expectCommand:   "rclone",
			expectShutdown:  3 * time.Second,
			expectJitter:    50 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != nil {
				globalPath = filepath.Join(tmpDir, "global.json")
				writeJSON(t, globalPath, tt.globalConfig)
			}

			projectPath := ""
			if tt.projectConfig != nil {
				projectPath = filepath.Join(tmpDir, "project.json")
				writeJSON(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			require.NoError(t, err)

			assert.Len(t, cfg.TagSchedulers, tt.expectSchedTags)
			assert.Len(t, cfg.Jobs, tt.expectJobs)
			if tt.checkJob != "" {
				job, ok := cfg.Jobs[tt.checkJob]
				require.True(t, ok, "expected job %q", tt.checkJob)
				assert.Equal(t, tt.expectCommand, job.Command)
			}
			assert.Equal(t, tt.expectShutdown, cfg.Manager.ShutdownTimeout.D())
			assert.Equal(t, tt.expectJitter, cfg.Manager.StartJitter.D())
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()

	globalPath := filepath.Join(tmpDir, "global.json")
	require.NoError(t, os.WriteFile(globalPath, []byte("{invalid json"), 0644))

	_, err := Load(globalPath, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global.json", "error should name the file")
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	require.NoError(t, err)
	assert.Equal(t, SchedulerSingleThreaded, cfg.TagSchedulers["serial"].Type)
	assert.Equal(t, 24*time.Hour, cfg.Archive.Retention.D())
}

func TestLoad_DurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"manager": {"start_jitter": "250ms", "gc_interval": "30s"},
		"jobs": {"tick": {"command": "true", "period": "1m30s", "max_iterations": 3}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Manager.StartJitter.D())
	assert.Equal(t, 90*time.Second, cfg.Jobs["tick"].Period.D())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{
			name: "unknown scheduler type",
			cfg:  &Config{TagSchedulers: map[string]TagSchedulerConfig{"x": {Type: "fifo"}}},
			want: `unknown type "fifo"`,
		},
		{
			name: "rate without rate",
			cfg:  &Config{TagSchedulers: map[string]TagSchedulerConfig{"x": {Type: SchedulerRateLimited}}},
			want: "rate must be positive",
		},
		{
			name: "job without command",
			cfg:  &Config{Jobs: map[string]JobConfig{"empty": {}}},
			want: "command is required",
		},
		{
			name: "unknown log level",
			cfg:  &Config{LogLevel: "verbose"},
			want: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			writeJSON(t, path, tt.cfg)

			_, err := Load(path, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
