package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/zippy/internal/archive"
	"github.com/BadgerOps/zippy/internal/config"
	"github.com/BadgerOps/zippy/internal/engine"
)

var (
	extractOutput     string
	extractNoProgress bool
)

func newExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract ARCHIVE",
		Short: "Extract a ZIP or 7z archive",
		Long: `Extract a ZIP or 7z archive. The format is detected from the file
contents, not the extension.

Without --output the archive is unpacked into a directory named after it
in extraction.output_dir, or next to the archive. Existing files with the
same names are overwritten.`,
		Example: `  zippy extract backup.zip
  zippy extract photos.7z -o ~/restore`,
		Args: cobra.ExactArgs(1),
		RunE: extractRun,
	}

	cmd.Flags().StringVarP(&extractOutput, "output", "o", "", "destination directory")
	cmd.Flags().BoolVar(&extractNoProgress, "no-progress", false, "do not draw a progress bar")

	return cmd
}

// defaultExtractDir names the destination when --output is not given.
func defaultExtractDir(cfg *config.Config, archivePath string) string {
	dir := cfg.Extraction.OutputDir
	if dir == "" {
		dir = filepath.Dir(archivePath)
	}
	if !cfg.Extraction.UseArchiveName {
		return dir
	}
	base := filepath.Base(archivePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == base {
		stem = base + "_extracted"
	}
	return filepath.Join(dir, stem)
}

func extractRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	src := args[0]
	dest := extractOutput
	if dest == "" {
		dest = defaultExtractDir(globalCfg, src)
	}
	logger.Info("extract request", "archive", src, "destination", dest)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	tracker, done := track("extract", "extract", !extractNoProgress)
	err := globalEngine.Extract(ctx, engine.ExtractRequest{
		Archive:     src,
		Destination: dest,
		Progress:    tracker.Update,
		Phase:       tracker.SetPhase,
	})
	tracker.Finish(err)
	done()
	if err != nil {
		return err
	}

	printf("Extracted %s to %s\n", src, dest)
	return nil
}

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect FILE...",
		Short: "Identify the archive format of files",
		Long: `Print the archive format (zip or 7z) of each file, judged by content.
Files that are not a supported archive are reported with the reason.`,
		Example: `  zippy detect download.bin
  zippy detect *.zip`,
		Args: cobra.MinimumNArgs(1),
		RunE: detectRun,
	}
}

func detectRun(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		format, err := archive.Detect(path)
		if err != nil {
			failed++
			fmt.Printf("%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s: %s\n", path, format)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d file(s) not recognized", failed, len(args))
	}
	return nil
}
