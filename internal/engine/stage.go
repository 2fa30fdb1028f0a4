package engine

import (
	"archive/zip"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BadgerOps/zippy/internal/archive"
	"github.com/BadgerOps/zippy/internal/safety"
)

// writeStaged lays every planned entry out under one holding directory
// beside the destination, then compresses that directory. Each source root
// appears at the top of the archive under its own (deduplicated) name.
// The holding directory is always removed.
func (j *compressJob) writeStaged() error {
	holding, err := os.MkdirTemp(filepath.Dir(j.plan.dest), ".zippy-stage-*")
	if err != nil {
		return wrapError("compress", j.plan.dest, err)
	}
	defer func() {
		if err := os.RemoveAll(holding); err != nil {
			j.logger.Warn("failed to remove holding directory", "path", holding, "error", err)
		}
	}()

	buf := make([]byte, j.bufferSize(j.t.ChunkSize))
	for _, ent := range j.plan.entries {
		if err := interruption(j.ctx, j.guard, "compress", j.plan.dest); err != nil {
			return err
		}
		target, err := safety.MemberPath(holding, ent.Name)
		if err != nil {
			return newError(KindUnsupportedInput, "compress", ent.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return wrapError("compress", target, err)
		}
		if err := linkOrCopy(ent.Path, target, buf); err != nil {
			j.logger.Warn("skipping file that could not be staged", "path", ent.Path, "error", err)
		}
	}

	entries, total, err := walkInventory(j.ctx, holding, "", nil, j.logger)
	if err != nil {
		return wrapError("compress", holding, err)
	}
	j.logger.Debug("staged sources", "holding", holding, "files", len(entries), "bytes", total)

	return j.withArchive(func(zw *zip.Writer) error {
		return j.writeEntries(zw, entries, total)
	})
}

// linkOrCopy hard-links src to dst, falling back to a chunked copy when
// linking is not possible (cross-device, unsupported filesystem).
func linkOrCopy(src, dst string, buf []byte) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := archive.CopyChunked(out, in, buf, nil); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	// Keep the source timestamp so the archive header matches the original.
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil && !errors.Is(err, os.ErrPermission) {
		return err
	}
	return nil
}
