package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/zippy/internal/config"
	"github.com/BadgerOps/zippy/internal/engine"
	"github.com/BadgerOps/zippy/internal/flags"
)

var (
	compressOutput          string
	compressLevel           int
	compressWorkers         int
	compressNoProgress      bool
	compressParallel        bool
	compressDeep            bool
	compressMemoryOptimized bool
	compressVerify          bool
)

func newCompressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compress SOURCE...",
		Short: "Create a ZIP archive from files and directories",
		Long: `Compress one or more files or directories into a ZIP archive. Sources may
be given as separate arguments or joined with semicolons.

Without --output the archive is named <source>_<YYYYMMDD_HHMMSS>.zip (or
archive_<timestamp>.zip for several sources) in compression.output_dir,
or the current directory. Feature flags decide the strategy; the
--parallel, --deep, --memory-optimized and --verify switches override
them for this run.`,
		Example: `  zippy compress ./project
  zippy compress report.pdf data.csv -o bundle.zip --level 9
  zippy compress "logs;config" --parallel=false`,
		Args: cobra.MinimumNArgs(1),
		RunE: compressRun,
	}

	cmd.Flags().StringVarP(&compressOutput, "output", "o", "", "archive path (.zip is appended when missing)")
	cmd.Flags().IntVarP(&compressLevel, "level", "l", 6, "compression level 0-9 (default from config)")
	cmd.Flags().IntVar(&compressWorkers, "workers", 0, "parallel worker count (0 = auto)")
	cmd.Flags().BoolVar(&compressNoProgress, "no-progress", false, "do not draw a progress bar")
	cmd.Flags().BoolVar(&compressParallel, "parallel", false, "override the parallel_compression flag")
	cmd.Flags().BoolVar(&compressDeep, "deep", false, "override the deep_inspection flag")
	cmd.Flags().BoolVar(&compressMemoryOptimized, "memory-optimized", false, "override the memory_optimized flag")
	cmd.Flags().BoolVar(&compressVerify, "verify", false, "override the integrity_verification flag")

	return cmd
}

// collectSources flattens arguments, splitting semicolon lists.
func collectSources(args []string) []string {
	var out []string
	for _, a := range args {
		out = append(out, engine.SplitSources(a)...)
	}
	return out
}

// defaultArchivePath names the archive when --output is not given.
func defaultArchivePath(cfg *config.Config, sources []string, now time.Time) string {
	dir := cfg.Compression.OutputDir
	if dir == "" {
		dir = "."
	}
	stem := "archive"
	if len(sources) == 1 && cfg.Compression.UseSourceName {
		base := filepath.Base(filepath.Clean(sources[0]))
		if fi, err := os.Stat(sources[0]); err == nil && !fi.IsDir() {
			base = strings.TrimSuffix(base, filepath.Ext(base))
		}
		if base != "" && base != "." && base != string(filepath.Separator) {
			stem = base
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.zip", stem, now.Format("20060102_150405")))
}

// ensureZipExt appends .zip unless the name already ends in it.
func ensureZipExt(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return path
	}
	return path + ".zip"
}

// sourceBytes sums the regular files under sources. Errors are ignored;
// the number is only used for the ratio line.
func sourceBytes(sources []string) int64 {
	var total int64
	for _, s := range sources {
		filepath.WalkDir(s, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if info, ierr := os.Stat(path); ierr == nil && info.Mode().IsRegular() {
				total += info.Size()
			}
			return nil
		})
	}
	return total
}

// commandFlags returns the feature flags for this run, with any switch
// given on the command line taking precedence.
func commandFlags(cmd *cobra.Command) engine.Flags {
	ef := globalFlags.EngineFlags()
	if cmd.Flags().Changed("parallel") {
		ef.Parallel = compressParallel
	}
	if cmd.Flags().Changed("deep") {
		ef.DeepValidation = compressDeep
	}
	if cmd.Flags().Changed("memory-optimized") {
		ef.MemoryOptimized = compressMemoryOptimized
	}
	if cmd.Flags().Changed("verify") {
		ef.VerifyIntegrity = compressVerify
	}
	return ef
}

// detailedProgress reads the detailed_progress flag.
func detailedProgress() bool {
	v, err := globalFlags.IsEnabled(flags.DetailedProgress)
	if err != nil {
		logger.Warn("failed to read feature flag", "flag", flags.DetailedProgress, "error", err)
	}
	return v
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// track wires a tracker to an optional progress bar and returns the
// callbacks plus a function that ends the display.
func track(kind, label string, show bool) (*engine.OperationTracker, func()) {
	tracker := engine.NewOperationTracker(kind)
	if !show || quiet {
		return tracker, func() {}
	}
	view := newProgressView(os.Stderr, tracker, label, detailedProgress())
	view.Start()
	return tracker, view.Stop
}

func compressRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	sources := collectSources(args)
	if len(sources) == 0 {
		return fmt.Errorf("no sources given")
	}

	level := globalCfg.Compression.DefaultLevel
	if cmd.Flags().Changed("level") {
		level = compressLevel
	}

	output := compressOutput
	if output == "" {
		output = defaultArchivePath(globalCfg, sources, time.Now())
	} else {
		output = ensureZipExt(output)
	}

	ef := commandFlags(cmd)
	logger.Info("compress request", "sources", sources, "output", output, "level", level,
		"parallel", ef.Parallel, "deep", ef.DeepValidation, "memory_optimized", ef.MemoryOptimized)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	tracker, done := track("compress", "compress", !compressNoProgress)
	err := globalEngine.Dispatch(ctx, ef, engine.CompressRequest{
		Sources:     sources,
		Destination: output,
		Level:       level,
		Workers:     compressWorkers,
		Progress:    tracker.Update,
		Phase:       tracker.SetPhase,
	})
	tracker.Finish(err)
	done()
	if err != nil {
		return err
	}

	fi, err := os.Stat(output)
	if err != nil {
		return fmt.Errorf("archive written but not readable: %w", err)
	}
	original := sourceBytes(sources)
	if original > 0 {
		printf("Created %s (%s from %s, %.1f%%)\n", output,
			humanize.IBytes(uint64(fi.Size())), humanize.IBytes(uint64(original)),
			float64(fi.Size())/float64(original)*100)
	} else {
		printf("Created %s (%s)\n", output, humanize.IBytes(uint64(fi.Size())))
	}
	return nil
}
