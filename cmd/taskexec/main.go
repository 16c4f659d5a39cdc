package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskexec/internal/config"
)

var (
	globalConfigPath  string
	projectConfigPath string
	logLevel          string
)

var rootCmd = &cobra.Command{
	Use:          "taskexec",
	Short:        "Run, schedule and inspect tasks under a concurrent execution manager",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	globalDefault, projectDefault, err := config.DefaultPaths()
	if err != nil {
		globalDefault = ""
		projectDefault = filepath.Join(".taskexec", "config.json")
	}

	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "global-config", globalDefault, "global config file")
	rootCmd.PersistentFlags().StringVar(&projectConfigPath, "config", projectDefault, "project config file; overrides the global one")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug | info | warn | error (default from config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the merged configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalConfigPath, projectConfigPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger returns a JSON logger on w, or a text logger when w is a file
// that the dashboard keeps off the terminal.
func buildLogger(level string, w io.Writer, text bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if text {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", "taskexec"))
}

// openLogFile opens path for appending, creating parent directories.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// dataPath resolves a file under ~/.taskexec, falling back to the working
// directory when there is no home.
func dataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".taskexec", name)
	}
	return filepath.Join(home, ".taskexec", name)
}
