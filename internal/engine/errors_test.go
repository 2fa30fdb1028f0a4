package engine

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"testing"

	"github.com/bodgit/sevenzip"

	"github.com/BadgerOps/zippy/internal/archive"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnclassified},
		{"plain", errors.New("boom"), KindUnclassified},
		{"canceled", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindCancelled},
		{"not exist", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, KindNotFound},
		{"permission", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}, KindPermissionDenied},
		{"read-only fs", syscall.EROFS, KindPermissionDenied},
		{"no space", &fs.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}, KindInsufficientSpace},
		{"quota", syscall.EDQUOT, KindInsufficientSpace},
		{"zip format", zip.ErrFormat, KindInvalidFormat},
		{"zip checksum", zip.ErrChecksum, KindInvalidFormat},
		{"zip algorithm", zip.ErrAlgorithm, KindInvalidFormat},
		{"unsupported format", archive.ErrUnsupportedFormat, KindInvalidFormat},
		{"7z read", &sevenzip.ReadError{Err: errors.New("bad header")}, KindInvalidFormat},
		{"memory", errMemoryCritical, KindResourceExhausted},
		{"engine error", newError(KindUnsupportedInput, "compress", "x", errors.New("level")), KindUnsupportedInput},
		{"wrapped engine error", fmt.Errorf("outer: %w", newError(KindInsufficientSpace, "extract", "", nil)), KindInsufficientSpace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := newError(KindPermissionDenied, "compress", "/dest/out.zip", fs.ErrPermission)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Error("expected match on ErrPermissionDenied")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unexpected match on ErrNotFound")
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Error("expected the cause to stay reachable")
	}
	msg := err.Error()
	for _, part := range []string{"compress", "/dest/out.zip", "permission denied"} {
		if !strings.Contains(msg, part) {
			t.Errorf("message %q missing %q", msg, part)
		}
	}
}

func TestWrapErrorKeepsKind(t *testing.T) {
	inner := newError(KindResourceExhausted, "compress", "", errMemoryCritical)
	wrapped := wrapError("extract", "other", fmt.Errorf("ctx: %w", inner))
	var ee *Error
	if !errors.As(wrapped, &ee) || ee.Kind != KindResourceExhausted || ee.Op != "compress" {
		t.Errorf("wrapError replaced an existing classification: %v", wrapped)
	}
	if wrapError("x", "y", nil) != nil {
		t.Error("wrapError(nil) should be nil")
	}
	if KindOf(wrapError("extract", "a", fs.ErrNotExist)) != KindNotFound {
		t.Error("wrapError should classify foreign errors")
	}
}

func TestKindString(t *testing.T) {
	if KindInsufficientSpace.String() != "insufficient_space" {
		t.Errorf("got %q", KindInsufficientSpace.String())
	}
	if Kind(99).String() != "kind(99)" {
		t.Errorf("got %q", Kind(99).String())
	}
}

func TestInterruption(t *testing.T) {
	g := &fakeGuard{}
	if err := interruption(context.Background(), g, "compress", ""); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	g.critical.Store(true)
	if KindOf(interruption(context.Background(), g, "compress", "")) != KindResourceExhausted {
		t.Error("expected ResourceExhausted")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Cancellation wins over resource pressure.
	if KindOf(interruption(ctx, g, "compress", "")) != KindCancelled {
		t.Error("expected Cancelled")
	}
}
