package engine

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/zippy/internal/archive"
	"github.com/BadgerOps/zippy/internal/store"
)

// spaceMargin is the multiplier applied to source size in the free-space
// pre-flight.
const spaceMargin = 1.1

// CompressRequest describes one compress call. Cancellation comes from the
// call's context.
type CompressRequest struct {
	Sources     []string
	Destination string
	Level       int // 0-9
	Workers     int // parallel strategy only; 0 picks a default
	Progress    ProgressFunc
	Phase       PhaseFunc
	TaskID      string // copied into the history record
}

// SplitSources splits a semicolon-joined source list, dropping blanks.
func SplitSources(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Compress archives req.Sources into req.Destination. One source is
// compressed directly; several are staged into one tree first. On failure
// or cancellation nothing is left at the destination, including a file
// that was there before the call.
func (e *Engine) Compress(ctx context.Context, req CompressRequest) error {
	return e.runCompress(ctx, e.tuning, Route(Flags{}, len(req.Sources)), false, req)
}

// CompressParallel archives every file of every source using a worker
// pool. Files that fail to read are logged and left out.
func (e *Engine) CompressParallel(ctx context.Context, req CompressRequest) error {
	return e.runCompress(ctx, e.tuning, StrategyParallel, false, req)
}

// compressPlan is everything validation learned about a compress call.
type compressPlan struct {
	dest       string
	method     archive.Method
	entries    []InventoryEntry
	total      int64
	singleFile bool
}

// compressJob is the per-call state shared by the strategies.
type compressJob struct {
	ctx    context.Context
	t      Tuning
	plan   *compressPlan
	guard  ResourceGuard
	prog   *progressReporter
	logger *slog.Logger
}

func (e *Engine) runCompress(ctx context.Context, t Tuning, strategy Strategy, verify bool, req CompressRequest) (err error) {
	setPhase := func(p Phase) {
		if req.Phase != nil {
			req.Phase(p)
		}
	}
	prog := newProgressReporter(req.Progress, t.ProgressInterval)
	rec := e.beginRecord(&store.Operation{
		TaskID:      req.TaskID,
		Kind:        "compress",
		Source:      strings.Join(req.Sources, ";"),
		Destination: req.Destination,
		Format:      string(archive.FormatZip),
		Level:       req.Level,
		Strategy:    string(strategy),
	})
	var plan *compressPlan
	defer func() {
		cur, total := prog.values()
		// History is kept in bytes even when progress counted files.
		if plan != nil && total > 0 && total != plan.total {
			cur = cur * plan.total / total
			total = plan.total
		}
		rec.finish(err, cur, total)
		setPhase(terminalPhase(err))
	}()

	setPhase(PhaseValidating)
	plan, err = e.planCompress(ctx, t, strategy, req)
	if err != nil {
		e.logger.Debug("compress validation failed", "destination", req.Destination, "error", err)
		if k := KindOf(err); k == KindCancelled || k == KindResourceExhausted {
			if dest, aerr := filepath.Abs(req.Destination); aerr == nil {
				e.discardDestination(dest)
			}
		}
		return err
	}

	guard := e.guard(t)
	guard.Start()
	defer guard.Stop()
	setPhase(PhaseProcessing)

	logger := e.logger.With("destination", plan.dest, "strategy", string(strategy))
	logger.Info("compressing", "sources", len(req.Sources), "files", len(plan.entries), "bytes", plan.total)

	job := &compressJob{
		ctx:    ctx,
		t:      t,
		plan:   plan,
		guard:  guard,
		prog:   prog,
		logger: logger,
	}
	switch strategy {
	case StrategyParallel:
		err = job.writeParallel(req.Workers)
	case StrategyStaged:
		err = job.writeStaged()
	default:
		err = job.writeSingle()
	}
	if err == nil && verify {
		err = e.Verify(ctx, plan.dest)
	}
	if err != nil {
		logger.Warn("compress failed", "kind", KindOf(err).String(), "error", err)
		e.discardDestination(plan.dest)
		return err
	}
	logger.Info("compress complete", "bytes", plan.total)
	return nil
}

// planCompress checks every precondition, in order, before anything is
// written: level, sources, destination directory, existing destination,
// free space.
func (e *Engine) planCompress(ctx context.Context, t Tuning, strategy Strategy, req CompressRequest) (*compressPlan, error) {
	const op = "compress"

	if len(req.Sources) == 0 {
		return nil, newError(KindUnsupportedInput, op, "", errors.New("no source paths given"))
	}
	if req.Destination == "" {
		return nil, newError(KindUnsupportedInput, op, "", errors.New("no destination given"))
	}
	method, err := archive.MethodByName(t.Method, req.Level)
	if err != nil {
		return nil, newError(KindUnsupportedInput, op, req.Destination, err)
	}

	dest, err := filepath.Abs(req.Destination)
	if err != nil {
		return nil, newError(KindUnsupportedInput, op, req.Destination, err)
	}

	type source struct {
		path string
		info fs.FileInfo
	}
	sources := make([]source, 0, len(req.Sources))
	for _, s := range req.Sources {
		abs, err := filepath.Abs(s)
		if err != nil {
			return nil, newError(KindUnsupportedInput, op, s, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, wrapError(op, s, err)
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil, newError(KindUnsupportedInput, op, s, fmt.Errorf("not a regular file or directory (%s)", info.Mode().Type()))
		}
		sources = append(sources, source{path: abs, info: info})
	}

	if err := checkDestination(dest); err != nil {
		return nil, err
	}

	plan := &compressPlan{dest: dest, method: method}
	exclude := map[string]bool{dest: true}

	switch strategy {
	case StrategySingle:
		src := sources[0]
		if src.info.Mode().IsRegular() {
			plan.singleFile = true
			plan.entries = []InventoryEntry{fileEntry(src.path, filepath.Base(src.path), src.info)}
			plan.total = src.info.Size()
		} else {
			plan.entries, plan.total, err = walkInventory(ctx, src.path, "", exclude, e.logger)
		}

	case StrategyParallel:
		used := make(map[string]bool)
		for _, src := range sources {
			var entries []InventoryEntry
			if src.info.Mode().IsRegular() {
				entries = []InventoryEntry{fileEntry(src.path, filepath.Base(src.path), src.info)}
			} else if entries, _, err = walkInventory(ctx, src.path, "", exclude, e.logger); err != nil {
				break
			}
			for _, ent := range entries {
				name := uniqueRootName(ent.Name, false, used)
				if name != ent.Name {
					e.logger.Info("renamed duplicate archive name", "name", ent.Name, "as", name, "path", ent.Path)
					ent.Name = name
				}
				plan.entries = append(plan.entries, ent)
				plan.total += ent.Size
			}
		}

	case StrategyStaged:
		used := make(map[string]bool)
		for _, src := range sources {
			root := uniqueRootName(filepath.Base(src.path), src.info.IsDir(), used)
			if src.info.Mode().IsRegular() {
				resolved, rerr := filepath.EvalSymlinks(src.path)
				if rerr != nil {
					resolved = src.path
				}
				plan.entries = append(plan.entries, fileEntry(resolved, root, src.info))
				plan.total += src.info.Size()
				continue
			}
			entries, size, werr := walkInventory(ctx, src.path, root+"/", exclude, e.logger)
			if werr != nil {
				err = werr
				break
			}
			plan.entries = append(plan.entries, entries...)
			plan.total += size
		}
	}
	if err != nil {
		return nil, wrapError(op, "", err)
	}

	if err := e.checkFreeSpace(ctx, op, dest, plan.total); err != nil {
		return nil, err
	}
	return plan, nil
}

// checkDestination creates the destination's directory if needed and
// proves it writable with a throwaway file. An existing destination must
// be a file we can open for writing.
func checkDestination(dest string) error {
	const op = "compress"
	dir := filepath.Dir(dest)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wrapError(op, dir, err)
	}
	probe, err := os.CreateTemp(dir, ".zippy-probe-*")
	if err != nil {
		return newError(KindPermissionDenied, op, dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	info, err := os.Stat(dest)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return wrapError(op, dest, err)
	case info.IsDir():
		return newError(KindUnsupportedInput, op, dest, errors.New("destination is a directory"))
	}
	f, err := os.OpenFile(dest, os.O_WRONLY, 0)
	if err != nil {
		return newError(KindPermissionDenied, op, dest, err)
	}
	f.Close()
	return nil
}

// checkFreeSpace refuses when need*1.1 exceeds free space on the volume
// holding dest, or in dest itself when it is a directory. Failing to measure is not an error.
func (e *Engine) checkFreeSpace(ctx context.Context, op, dest string, need int64) error {
	dir := dest
	if info, err := os.Stat(dest); err != nil || !info.IsDir() {
		dir = filepath.Dir(dest)
	}
	free, err := e.freeSpaceFunc()(ctx, dir)
	if err != nil {
		e.logger.Warn("could not check free disk space", "path", dest, "error", err)
		return nil
	}
	required := uint64(float64(need) * spaceMargin)
	if required > free {
		return newError(KindInsufficientSpace, op, dest,
			fmt.Errorf("need %d bytes, %d available", required, free))
	}
	return nil
}

// uniqueRootName returns name, or name with a " (n)" suffix before the
// extension of files, that is not yet in used.
func uniqueRootName(name string, isDir bool, used map[string]bool) string {
	candidate := name
	for n := 2; used[candidate]; n++ {
		if isDir {
			candidate = fmt.Sprintf("%s (%d)", name, n)
			continue
		}
		ext := filepath.Ext(name)
		candidate = fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
	}
	used[candidate] = true
	return candidate
}

// discardDestination removes a regular file at dest. A failed or
// interrupted compress never leaves an archive, old or new, at its
// destination.
func (e *Engine) discardDestination(dest string) {
	info, err := os.Lstat(dest)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if err := os.Remove(dest); err != nil {
		e.logger.Warn("failed to remove destination", "path", dest, "error", err)
		return
	}
	e.logger.Debug("removed destination after failure", "path", dest)
}

// withArchive writes a new archive to a hidden temp file beside the
// destination and renames it into place only if write succeeds. On any
// failure the temp file is removed, so no partial archive is left behind.
func (j *compressJob) withArchive(write func(zw *zip.Writer) error) error {
	dest := j.plan.dest
	f, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.partial")
	if err != nil {
		return wrapError("compress", dest, err)
	}
	tmp := f.Name()

	zw := j.plan.method.NewWriter(f)
	err = write(zw)
	if err == nil {
		err = zw.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o644)
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		if rerr := os.Remove(tmp); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			j.logger.Warn("failed to remove partial archive", "path", tmp, "error", rerr)
		}
		return wrapError("compress", dest, err)
	}
	return nil
}

// writeSingle handles the one-source strategy: a lone file or one
// directory tree.
func (j *compressJob) writeSingle() error {
	return j.withArchive(func(zw *zip.Writer) error {
		if j.plan.singleFile {
			return j.writeLoneFile(zw, j.plan.entries[0])
		}
		return j.writeEntries(zw, j.plan.entries, j.plan.total)
	})
}

// writeLoneFile reports (0,1) then (1,1) for an ordinary file, or byte
// progress per chunk for a large one.
func (j *compressJob) writeLoneFile(zw *zip.Writer, ent InventoryEntry) error {
	large := ent.Size > j.t.LargeFileThreshold
	if large {
		j.prog.begin(ent.Size)
	} else {
		j.prog.begin(1)
	}
	if err := interruption(j.ctx, j.guard, "compress", j.plan.dest); err != nil {
		return err
	}

	f, err := os.Open(ent.Path)
	if err != nil {
		return wrapError("compress", ent.Path, err)
	}
	defer f.Close()

	buf := make([]byte, j.bufferSize(ent.Size))
	if _, err := j.writeMember(zw, ent, f, buf, large); err != nil {
		var rerr *sourceReadError
		if errors.As(err, &rerr) {
			return wrapError("compress", rerr.path, rerr.err)
		}
		return err
	}
	j.prog.finish()
	return nil
}

// writeEntries adds every inventory entry in order, checking for
// cancellation and memory pressure between files. Files that cannot be
// opened or fail while being read are logged, skipped and still counted
// toward progress.
func (j *compressJob) writeEntries(zw *zip.Writer, entries []InventoryEntry, total int64) error {
	j.prog.begin(total)

	var largest int64
	for _, ent := range entries {
		largest = max(largest, ent.Size)
	}
	buf := make([]byte, j.bufferSize(largest))

	skipped := 0
	for _, ent := range entries {
		if err := interruption(j.ctx, j.guard, "compress", j.plan.dest); err != nil {
			return err
		}

		f, err := os.Open(ent.Path)
		if err != nil {
			j.logger.Warn("skipping unreadable file", "path", ent.Path, "error", err)
			skipped++
			j.prog.add(ent.Size)
			continue
		}
		large := ent.Size > j.t.LargeFileThreshold
		n, err := j.writeMember(zw, ent, f, buf, large)
		f.Close()

		var rerr *sourceReadError
		if errors.As(err, &rerr) {
			// The member keeps what was read before the failure.
			j.logger.Warn("read failed, member truncated", "path", ent.Path, "written", n, "error", rerr.err)
			skipped++
			if large {
				j.prog.add(ent.Size - n)
			} else {
				j.prog.add(ent.Size)
			}
			continue
		}
		if err != nil {
			return err
		}
		if !large {
			j.prog.add(ent.Size)
		}
	}

	if skipped > 0 {
		j.logger.Warn("some files were not archived", "skipped", skipped, "archived", len(entries)-skipped)
	}
	j.prog.finish()
	return nil
}

// sourceReadError marks a failure reading an input file, as opposed to
// writing the archive.
type sourceReadError struct {
	path string
	err  error
}

func (e *sourceReadError) Error() string { return "reading " + e.path + ": " + e.err.Error() }
func (e *sourceReadError) Unwrap() error { return e.err }

// sourceReader remembers the first read error other than io.EOF.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// writeMember streams f into a new member and returns the bytes copied.
// Large members report progress and check for interruption after every
// chunk. A failure reading f comes back as a *sourceReadError.
func (j *compressJob) writeMember(zw *zip.Writer, ent InventoryEntry, f io.Reader, buf []byte, large bool) (int64, error) {
	hdr := &zip.FileHeader{
		Name:     ent.Name,
		Method:   j.plan.method.ID,
		Modified: ent.ModTime,
	}
	hdr.SetMode(ent.Mode)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, wrapError("compress", ent.Path, err)
	}

	var checkpoint func(int64) error
	if large {
		checkpoint = func(n int64) error {
			j.prog.add(n)
			return interruption(j.ctx, j.guard, "compress", j.plan.dest)
		}
	}
	src := &sourceReader{r: f}
	n, err := archive.CopyChunked(w, src, buf, checkpoint)
	if err != nil {
		if src.err != nil && err == src.err {
			return n, &sourceReadError{path: ent.Path, err: err}
		}
		return n, wrapError("compress", ent.Path, err)
	}
	return n, nil
}

// bufferSize is the chunk size, shrunk for inputs smaller than a chunk.
func (j *compressJob) bufferSize(largest int64) int64 {
	const minBuffer = 32 << 10
	return max(min(j.t.ChunkSize, largest), minBuffer)
}
