package engine

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/zippy/internal/archive"
	"github.com/BadgerOps/zippy/internal/safety"
	"github.com/BadgerOps/zippy/internal/store"
)

// ExtractRequest describes one extract call. Cancellation comes from the
// call's context.
type ExtractRequest struct {
	Archive     string
	Destination string
	Progress    ProgressFunc
	Phase       PhaseFunc
	TaskID      string // copied into the history record
}

// DetectFormat identifies the archive at path. A missing file is NotFound;
// anything that is neither ZIP nor 7z is InvalidFormat.
func (e *Engine) DetectFormat(path string) (archive.Format, error) {
	f, err := archive.Detect(path)
	if err == nil {
		return f, nil
	}
	if _, serr := os.Stat(path); errors.Is(serr, fs.ErrNotExist) {
		return "", newError(KindNotFound, "detect", path, serr)
	}
	return "", newError(KindInvalidFormat, "detect", path, err)
}

// extractJob is the per-call state shared by the ZIP and 7z paths.
type extractJob struct {
	ctx    context.Context
	t      Tuning
	src    string
	dest   string
	guard  ResourceGuard
	prog   *progressReporter
	logger *slog.Logger
}

// Extract unpacks req.Archive into req.Destination. ZIP members are
// written directly and are left in place if the call fails part way. 7z
// archives are unpacked into a staging directory and published only on
// success.
func (e *Engine) Extract(ctx context.Context, req ExtractRequest) (err error) {
	const op = "extract"
	t := e.tuning

	setPhase := func(p Phase) {
		if req.Phase != nil {
			req.Phase(p)
		}
	}
	prog := newProgressReporter(req.Progress, t.ProgressInterval)
	rec := e.beginRecord(&store.Operation{
		TaskID:      req.TaskID,
		Kind:        op,
		Source:      req.Archive,
		Destination: req.Destination,
	})
	defer func() {
		cur, total := prog.values()
		rec.finish(err, cur, total)
		setPhase(terminalPhase(err))
	}()

	setPhase(PhaseValidating)
	info, err := os.Stat(req.Archive)
	if err != nil {
		return wrapError(op, req.Archive, err)
	}
	if !info.Mode().IsRegular() {
		return newError(KindUnsupportedInput, op, req.Archive, fmt.Errorf("not a regular file (%s)", info.Mode().Type()))
	}
	format, err := e.DetectFormat(req.Archive)
	if err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			ee.Op = op
		}
		return err
	}
	rec.setFormat(string(format))
	if req.Destination == "" {
		return newError(KindUnsupportedInput, op, req.Archive, errors.New("no destination given"))
	}
	if err := os.MkdirAll(req.Destination, 0o755); err != nil {
		return wrapError(op, req.Destination, err)
	}

	guard := e.guard(t)
	guard.Start()
	defer guard.Stop()

	job := &extractJob{
		ctx:    ctx,
		t:      t,
		src:    req.Archive,
		dest:   req.Destination,
		guard:  guard,
		prog:   prog,
		logger: e.logger.With("archive", req.Archive, "format", string(format)),
	}
	job.logger.Info("extracting", "destination", req.Destination)

	switch format {
	case archive.Format7z:
		err = e.extract7z(job, setPhase)
	default:
		err = e.extractZip(job, setPhase)
	}
	if err != nil {
		job.logger.Warn("extract failed", "kind", KindOf(err).String(), "error", err)
		return err
	}
	job.logger.Info("extract complete")
	return nil
}

func (e *Engine) extractZip(j *extractJob, setPhase func(Phase)) error {
	const op = "extract"

	rc, err := archive.OpenReader(j.src)
	if err != nil {
		return newError(KindInvalidFormat, op, j.src, err)
	}
	defer rc.Close()

	var total int64
	for _, f := range rc.File {
		total += int64(f.UncompressedSize64)
	}
	if err := e.checkFreeSpace(j.ctx, op, j.dest, total); err != nil {
		return err
	}

	setPhase(PhaseProcessing)
	j.prog.begin(total)

	var largest int64
	for _, f := range rc.File {
		largest = max(largest, int64(f.UncompressedSize64))
	}
	buf := make([]byte, max(min(j.t.ChunkSize, largest), 32<<10))

	skipped := 0
	for _, f := range rc.File {
		if err := interruption(j.ctx, j.guard, op, j.src); err != nil {
			return err
		}
		size := int64(f.UncompressedSize64)

		target, err := safety.MemberPath(j.dest, f.Name)
		if err != nil {
			j.logger.Warn("skipping unsafe member", "member", f.Name, "error", err)
			skipped++
			j.prog.add(size)
			continue
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				j.logger.Warn("failed to create directory", "path", target, "error", err)
			}
			continue
		}

		large := size > j.t.LargeFileThreshold
		if err := j.writeZipMember(f, target, buf, large); err != nil {
			if k := KindOf(err); k == KindCancelled || k == KindResourceExhausted || k == KindInsufficientSpace {
				return err
			}
			j.logger.Warn("skipping member", "member", f.Name, "error", err)
			skipped++
			if !large {
				j.prog.add(size)
			}
			continue
		}
		if !large {
			j.prog.add(size)
		}
		restoreMetadata(target, f.Mode(), f.Modified, j.logger)
	}

	if skipped > 0 {
		j.logger.Warn("some members were not extracted", "skipped", skipped, "members", len(rc.File))
	}
	j.prog.finish()
	return nil
}

// writeZipMember writes one file member to target. Large members report
// progress and check for interruption after every chunk.
func (j *extractJob) writeZipMember(f *zip.File, target string, buf []byte, large bool) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return wrapError("extract", target, err)
	}
	r, err := f.Open()
	if err != nil {
		return wrapError("extract", f.Name, err)
	}
	defer r.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapError("extract", target, err)
	}

	var checkpoint func(int64) error
	if large {
		checkpoint = func(n int64) error {
			j.prog.add(n)
			return interruption(j.ctx, j.guard, "extract", j.src)
		}
	}
	_, err = archive.CopyChunked(out, r, buf, checkpoint)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return wrapError("extract", target, err)
	}
	return nil
}

// restoreMetadata applies a member's permission bits and modification
// time. Failures are only logged.
func restoreMetadata(path string, mode fs.FileMode, mtime time.Time, logger *slog.Logger) {
	if perm := mode.Perm(); perm != 0 {
		if err := os.Chmod(path, perm); err != nil {
			logger.Debug("failed to restore mode", "path", path, "error", err)
		}
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			logger.Debug("failed to restore modification time", "path", path, "error", err)
		}
	}
}
