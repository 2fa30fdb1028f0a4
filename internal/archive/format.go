// Package archive holds the container-level pieces shared by compression
// and extraction: format detection, ZIP method registration and the
// bounded-memory copy loop.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies an archive container.
type Format string

const (
	FormatZip Format = "zip"
	Format7z  Format = "7z"
)

// ErrUnsupportedFormat is returned by Detect when no probe matches.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// sevenZipSignature is the 6-byte magic at offset 0 of every 7z file.
var sevenZipSignature = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}

// Detect identifies the container of the file at path by content. The
// extension only decides which probe runs first; a .zip that is really a 7z
// (or the reverse) is still recognized. Probe failures of any kind mean
// "not this format" and never escape as errors.
func Detect(path string) (Format, error) {
	probes := []struct {
		format Format
		match  func(string) bool
	}{
		{FormatZip, isZip},
		{Format7z, is7z},
	}
	if strings.EqualFold(filepath.Ext(path), ".7z") {
		probes[0], probes[1] = probes[1], probes[0]
	}

	for _, p := range probes {
		if p.match(path) {
			return p.format, nil
		}
	}
	return "", ErrUnsupportedFormat
}

func isZip(path string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	r, err := zip.OpenReader(path)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return false
	}
	r.Close()
	return true
}

func is7z(path string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	return HasSevenZipSignature(f)
}

// HasSevenZipSignature reports whether r starts with the 7z magic bytes.
func HasSevenZipSignature(r io.Reader) bool {
	head := make([]byte, len(sevenZipSignature))
	if _, err := io.ReadFull(r, head); err != nil {
		return false
	}
	return bytes.Equal(head, sevenZipSignature)
}
