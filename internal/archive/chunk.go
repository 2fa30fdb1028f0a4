package archive

import (
	"errors"
	"io"
)

// CopyChunked copies src to dst through buf, one buffer-sized chunk at a
// time, calling checkpoint with the length of every chunk after it has been
// written. Peak memory is len(buf) regardless of the stream size. A
// checkpoint error stops the copy and is returned as is, which is how
// callers cancel between chunks.
func CopyChunked(dst io.Writer, src io.Reader, buf []byte, checkpoint func(n int64) error) (int64, error) {
	if len(buf) == 0 {
		return 0, errors.New("copy buffer is empty")
	}

	var written int64
	for {
		n, rerr := fill(src, buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
			if checkpoint != nil {
				if err := checkpoint(int64(n)); err != nil {
					return written, err
				}
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

// fill reads until buf is full or src fails. Unlike io.ReadFull it passes
// a decompressor's io.ErrUnexpectedEOF through instead of producing one
// for a short final chunk.
func fill(src io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := src.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
