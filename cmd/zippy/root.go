package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/zippy/internal/config"
	"github.com/BadgerOps/zippy/internal/engine"
	"github.com/BadgerOps/zippy/internal/flags"
	"github.com/BadgerOps/zippy/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dbPath    string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore  *store.Store
	globalEngine *engine.Engine
	globalFlags  *flags.Manager
)

// tuningFromConfig converts the performance section into engine tuning.
// Sizes were checked by Validate when the config was loaded.
func tuningFromConfig(cfg *config.Config) engine.Tuning {
	t := engine.DefaultTuning()
	p := cfg.Performance
	t.Method = cfg.Compression.Method
	t.ChunkSize = config.MustParseSize(p.ChunkSize)
	t.LargeFileThreshold = config.MustParseSize(p.LargeFileThreshold)
	t.OptimizedChunkSize = config.MustParseSize(p.MemoryOptimizedChunkSize)
	t.OptimizedThreshold = config.MustParseSize(p.MemoryOptimizedThreshold)
	t.MemoryThreshold = p.MaxMemoryPercent
	t.Workers = p.Workers
	if p.ProgressInterval > 0 {
		t.ProgressInterval = p.ProgressInterval
	}
	if p.MonitorInterval > 0 {
		t.MonitorInterval = p.MonitorInterval
	}
	if p.PollInterval > 0 {
		t.PollInterval = p.PollInterval
	}
	return t
}

// initializeComponents opens the store and builds the engine and flag
// manager.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	path := dbPath
	if path == "" {
		path = globalCfg.DatabasePath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	st, err := store.New(path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	globalEngine = engine.New(tuningFromConfig(globalCfg), logger)
	globalEngine.SetStore(st)
	globalFlags = flags.NewManager(st, logger)

	logger.Debug("components initialized", "db", path)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "version", "config", "detect", "completion":
			return true
		}
	}
	return false
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zippy",
		Short: "Compress and extract files without running out of memory",
		Long: `zippy builds ZIP archives from files and directories and extracts ZIP
and 7z archives. Large files are streamed in chunks, memory pressure is
watched while work runs, and every operation can be cancelled with Ctrl-C.

Behaviour switches such as parallel compression are persisted feature
flags; see "zippy flags list".`,
		Example: `  zippy compress ./photos -o photos.zip
  zippy compress "a.txt;b.txt;docs" --level 9
  zippy extract backup.7z -o ./restore
  zippy flags disable parallel_compression
  zippy serve --listen 0.0.0.0:8000`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}
			logger.Debug("config loaded", "path", cfgPath)

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the history and feature flag database path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newCompressCmd(),
		newExtractCmd(),
		newDetectCmd(),
		newFlagsCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newServeCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// printf writes to stdout unless --quiet is set.
func printf(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf(format, args...)
	}
}
