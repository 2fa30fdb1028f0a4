package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/BadgerOps/zippy/internal/archive"
)

// Verify reads every member of the ZIP archive at path to the end, which
// checks each member's CRC-32. Any failure is InvalidFormat, except
// cancellation.
func (e *Engine) Verify(ctx context.Context, path string) error {
	const op = "verify"

	rc, err := archive.OpenReader(path)
	if err != nil {
		return newError(KindInvalidFormat, op, path, err)
	}
	defer rc.Close()

	buf := make([]byte, 32<<10)
	for _, f := range rc.File {
		if err := ctx.Err(); err != nil {
			return newError(KindCancelled, op, path, err)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if err := verifyMember(f.Open, buf); err != nil {
			return newError(KindInvalidFormat, op, path, fmt.Errorf("member %s: %w", f.Name, err))
		}
	}
	e.logger.Debug("archive verified", "path", path, "members", len(rc.File))
	return nil
}

func verifyMember(open func() (io.ReadCloser, error), buf []byte) error {
	r, err := open()
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.CopyBuffer(io.Discard, r, buf)
	return err
}
