package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bodgit/sevenzip"

	"github.com/BadgerOps/zippy/internal/archive"
	"github.com/BadgerOps/zippy/internal/safety"
)

// extract7z unpacks a 7z archive on a background goroutine into a staging
// directory inside the destination. The decoder gives no byte-level
// callbacks, so progress is estimated by polling the size of the staging
// tree. Staged output is moved into place only on success.
func (e *Engine) extract7z(j *extractJob, setPhase func(Phase)) error {
	const op = "extract"

	rc, err := sevenzip.OpenReader(j.src)
	if err != nil {
		return newError(KindInvalidFormat, op, j.src, err)
	}
	defer rc.Close()

	var total int64
	for _, f := range rc.File {
		total += int64(f.UncompressedSize)
	}
	if err := e.checkFreeSpace(j.ctx, op, j.dest, total); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(j.dest, ".zippy-staging-*")
	if err != nil {
		return wrapError(op, j.dest, err)
	}
	discard := func() {
		if err := os.RemoveAll(staging); err != nil {
			j.logger.Warn("failed to remove staging directory", "path", staging, "error", err)
		}
	}

	setPhase(PhaseProcessing)
	j.prog.begin(total)

	wctx, stop := context.WithCancel(j.ctx)
	defer stop()
	done := make(chan error, 1)
	go func() {
		done <- j.unpack7z(wctx, rc, staging)
	}()

	ticker := time.NewTicker(j.t.PollInterval)
	defer ticker.Stop()

	var werr error
poll:
	for {
		select {
		case werr = <-done:
			break poll
		case <-ticker.C:
			j.prog.set(min(dirSize(staging), total))
			if ierr := interruption(j.ctx, j.guard, op, j.src); ierr != nil {
				j.logger.Info("stopping 7z extraction", "reason", KindOf(ierr).String())
				stop()
				<-done
				werr = ierr
				break poll
			}
		}
	}
	if werr == nil {
		werr = interruption(j.ctx, j.guard, op, j.src)
	}
	if werr != nil {
		discard()
		return wrapError(op, j.src, werr)
	}

	if err := publish(staging, j.dest); err != nil {
		discard()
		return wrapError(op, j.dest, err)
	}
	discard()
	j.prog.finish()
	return nil
}

// unpack7z writes every member below staging, stopping at the next member
// boundary once ctx is cancelled or the guard trips.
func (j *extractJob) unpack7z(ctx context.Context, rc *sevenzip.ReadCloser, staging string) error {
	buf := make([]byte, max(j.t.ChunkSize, 32<<10))
	for _, f := range rc.File {
		if err := interruption(ctx, j.guard, "extract", j.src); err != nil {
			return err
		}

		target, err := safety.MemberPath(staging, f.Name)
		if err != nil {
			j.logger.Warn("skipping unsafe member", "member", f.Name, "error", err)
			continue
		}
		info := f.FileInfo()
		if info.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !info.Mode().IsRegular() {
			j.logger.Debug("skipping non-regular member", "member", f.Name, "mode", info.Mode().String())
			continue
		}

		if err := write7zMember(f, target, buf); err != nil {
			return fmt.Errorf("member %s: %w", f.Name, err)
		}
		restoreMetadata(target, info.Mode(), f.Modified, j.logger)
	}
	return nil
}

func write7zMember(f *sevenzip.File, target string, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = archive.CopyChunked(out, r, buf, nil)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// dirSize sums the sizes of regular files under root. Entries that vanish
// or cannot be read while the tree is being written are ignored.
func dirSize(root string) int64 {
	var size int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// publish moves every entry of src into dst. Directories that already
// exist in dst are merged; any other existing entry is replaced.
func publish(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		from := filepath.Join(src, ent.Name())
		to := filepath.Join(dst, ent.Name())

		existing, err := os.Lstat(to)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return err
		case ent.IsDir() && existing.IsDir():
			if err := publish(from, to); err != nil {
				return err
			}
			continue
		default:
			if err := os.RemoveAll(to); err != nil {
				return err
			}
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("publishing %s: %w", ent.Name(), err)
		}
	}
	return nil
}
