package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// writeParallel compresses every entry on a worker pool. Each worker
// compresses one file into a spool, then appends the finished member to
// the archive under a mutex, so CPU work overlaps while archive writes stay
// serialized. Files that cannot be read are logged and left out; the call
// fails only when every file fails or the archive itself cannot be
// written.
func (j *compressJob) writeParallel(requested int) error {
	entries := j.plan.entries
	workers := requested
	if workers <= 0 {
		workers = j.t.Workers
	}
	if workers <= 0 {
		workers = defaultWorkers()
	}
	workers = max(min(workers, len(entries)), 1)

	return j.withArchive(func(zw *zip.Writer) error {
		j.prog.begin(j.plan.total)

		// Interruptions and archive write failures stop every worker.
		ctx, cancel := context.WithCancel(j.ctx)
		defer cancel()

		var (
			archiveMu sync.Mutex
			fatalMu   sync.Mutex
			fatal     error
		)
		setFatal := func(err error) {
			fatalMu.Lock()
			if fatal == nil {
				fatal = err
			}
			fatalMu.Unlock()
			cancel()
		}

		bufSize := min(j.t.ChunkSize, 1<<20)
		bufPool := sync.Pool{New: func() any {
			b := make([]byte, bufSize)
			return &b
		}}

		tasks := make([]Task, len(entries))
		for i, ent := range entries {
			tasks[i] = Task{
				Name: ent.Name,
				Run: func(ctx context.Context) error {
					if err := interruption(j.ctx, j.guard, "compress", j.plan.dest); err != nil {
						setFatal(err)
						return err
					}
					if err := ctx.Err(); err != nil {
						return err
					}

					bp := bufPool.Get().(*[]byte)
					defer bufPool.Put(bp)

					sp, hdr, err := j.precompress(ctx, ent, *bp)
					if err != nil {
						j.logger.Warn("skipping file that could not be compressed", "path", ent.Path, "error", err)
						j.prog.add(ent.Size)
						return err
					}
					defer sp.Close()

					archiveMu.Lock()
					err = appendRaw(zw, hdr, sp)
					archiveMu.Unlock()
					if err != nil {
						err = wrapError("compress", j.plan.dest, err)
						setFatal(err)
						return err
					}
					j.prog.add(ent.Size)
					return nil
				},
			}
		}

		j.logger.Debug("parallel compression", "workers", workers, "files", len(entries))
		results := NewPool(workers, j.logger).Execute(ctx, tasks)

		if fatal != nil {
			return fatal
		}
		if err := interruption(j.ctx, j.guard, "compress", j.plan.dest); err != nil {
			return err
		}

		var firstErr error
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				if firstErr == nil {
					firstErr = r.Err
				}
			}
		}
		if len(results) > 0 && failed == len(results) {
			return wrapError("compress", j.plan.dest, fmt.Errorf("no file could be compressed: %w", firstErr))
		}
		if failed > 0 {
			j.logger.Warn("some files were not archived", "skipped", failed, "archived", len(results)-failed)
		}
		j.prog.finish()
		return nil
	})
}

// precompress reads ent into a spool through the method's compressor and
// returns the header describing the compressed stream.
func (j *compressJob) precompress(ctx context.Context, ent InventoryEntry, buf []byte) (*spool, *zip.FileHeader, error) {
	f, err := os.Open(ent.Path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	sp := newSpool(j.t.ChunkSize, j.plan.dest)
	comp, err := j.plan.method.Compressor()(sp)
	if err != nil {
		sp.Close()
		return nil, nil, err
	}

	crc := crc32.NewIEEE()
	n, err := copyWithContext(ctx, io.MultiWriter(comp, crc), f, buf)
	if cerr := comp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		sp.Close()
		return nil, nil, err
	}

	hdr := &zip.FileHeader{
		Name:               ent.Name,
		Method:             j.plan.method.ID,
		Modified:           ent.ModTime,
		CRC32:              crc.Sum32(),
		CompressedSize64:   uint64(sp.Size()),
		UncompressedSize64: uint64(n),
	}
	hdr.SetMode(ent.Mode)
	return sp, hdr, nil
}

// copyWithContext copies src to dst in buf-sized steps, stopping when ctx
// is cancelled.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// appendRaw writes an already compressed member.
func appendRaw(zw *zip.Writer, hdr *zip.FileHeader, sp *spool) error {
	w, err := zw.CreateRaw(hdr)
	if err != nil {
		return err
	}
	r, err := sp.Reader()
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}

// spool buffers one compressed member in memory up to limit bytes, then
// spills to a temp file beside the destination archive.
type spool struct {
	limit int64
	dir   string
	mem   bytes.Buffer
	file  *os.File
	size  int64
}

func newSpool(limit int64, dest string) *spool {
	return &spool{limit: limit, dir: filepath.Dir(dest)}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && int64(s.mem.Len()+len(p)) > s.limit {
		f, err := os.CreateTemp(s.dir, ".zippy-spool-*")
		if err != nil {
			return 0, err
		}
		s.file = f
		if _, err := s.file.Write(s.mem.Bytes()); err != nil {
			return 0, err
		}
		s.mem = bytes.Buffer{}
	}
	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

// Size is the number of compressed bytes held.
func (s *spool) Size() int64 { return s.size }

// Reader rewinds the spool for reading.
func (s *spool) Reader() (io.Reader, error) {
	if s.file == nil {
		return bytes.NewReader(s.mem.Bytes()), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s.file, nil
}

// Close releases the spool, removing any spill file.
func (s *spool) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rerr := os.Remove(name); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	s.file = nil
	return err
}
