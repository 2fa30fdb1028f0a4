package engine

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/bodgit/sevenzip"

	"github.com/BadgerOps/zippy/internal/archive"
)

// Kind classifies engine failures so front-ends can map them to exit
// codes, HTTP statuses or dialog text.
type Kind int

const (
	KindUnclassified Kind = iota
	KindNotFound
	KindPermissionDenied
	KindInsufficientSpace
	KindInvalidFormat
	KindUnsupportedInput
	KindResourceExhausted
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnclassified:      "unclassified",
	KindNotFound:          "not_found",
	KindPermissionDenied:  "permission_denied",
	KindInsufficientSpace: "insufficient_space",
	KindInvalidFormat:     "invalid_format",
	KindUnsupportedInput:  "unsupported_input",
	KindResourceExhausted: "resource_exhausted",
	KindCancelled:         "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrInvalidFormat     = errors.New("invalid archive format")
	ErrUnsupportedInput  = errors.New("unsupported input")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrCancelled         = errors.New("cancelled")
	ErrUnclassified      = errors.New("operation failed")
)

var sentinels = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindPermissionDenied:  ErrPermissionDenied,
	KindInsufficientSpace: ErrInsufficientSpace,
	KindInvalidFormat:     ErrInvalidFormat,
	KindUnsupportedInput:  ErrUnsupportedInput,
	KindResourceExhausted: ErrResourceExhausted,
	KindCancelled:         ErrCancelled,
	KindUnclassified:      ErrUnclassified,
}

// errMemoryCritical is the cause recorded when the resource guard trips.
var errMemoryCritical = errors.New("memory usage above critical threshold")

// Error is the error type returned by every engine operation.
type Error struct {
	Kind Kind
	Op   string // "compress", "extract", "detect", "verify"
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + sentinels[e.Kind].Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target == sentinels[e.Kind]
}

func newError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// wrapError classifies err unless it already carries a Kind.
func wrapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return newError(classify(err), op, path, err)
}

// KindOf returns the Kind of err, classifying foreign errors the same way
// the engine does.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnclassified
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, errMemoryCritical):
		return KindResourceExhausted
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS), errors.Is(err, syscall.EBUSY):
		return KindPermissionDenied
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return KindInsufficientSpace
	case errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrAlgorithm),
		errors.Is(err, zip.ErrChecksum), errors.Is(err, archive.ErrUnsupportedFormat):
		return KindInvalidFormat
	}
	var readErr *sevenzip.ReadError
	if errors.As(err, &readErr) {
		return KindInvalidFormat
	}
	return KindUnclassified
}

// interruption returns the Cancelled or ResourceExhausted error for the
// current state, or nil when work may continue.
func interruption(ctx context.Context, guard ResourceGuard, op, path string) error {
	if err := ctx.Err(); err != nil {
		return newError(KindCancelled, op, path, err)
	}
	if guard != nil && guard.IsCritical() {
		return newError(KindResourceExhausted, op, path, errMemoryCritical)
	}
	return nil
}
