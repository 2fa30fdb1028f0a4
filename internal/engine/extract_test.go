package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/zippy/internal/archive"
)

// buildZip writes a ZIP with the given members, in order.
func buildZip(t *testing.T, path string, members [][2]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: m[0], Method: zip.Deflate, Modified: time.Now()})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(m[1])); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func TestCompressExtractRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	src := filepath.Join(t.TempDir(), "tree")
	files := map[string]string{
		"a.txt":           "alpha",
		"nested/b.txt":    "bravo",
		"nested/deep/c":   strings.Repeat("charlie ", 1000),
		"with space/d.md": "delta",
	}
	writeTree(t, src, files)
	mtime := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(src, "a.txt"), mtime, mtime); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(src, "nested", "b.txt"), 0o600); err != nil {
		t.Fatal(err)
	}

	zipPath := filepath.Join(t.TempDir(), "tree.zip")
	if err := e.Compress(context.Background(), CompressRequest{Sources: []string{src}, Destination: zipPath, Level: 6}); err != nil {
		t.Fatalf("Compress() error: %v", err)
	}

	out := t.TempDir()
	var log progressLog
	err := e.Extract(context.Background(), ExtractRequest{
		Archive:     zipPath,
		Destination: out,
		Progress:    log.progress,
		Phase:       log.phase,
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	var total int64
	for rel, want := range files {
		if got := readFile(t, filepath.Join(out, filepath.FromSlash(rel))); got != want {
			t.Errorf("%s = %q, want %q", rel, got, want)
		}
		total += int64(len(want))
	}

	log.checkMonotonic(t)
	if last := log.last(); last != [2]int64{total, total} {
		t.Errorf("final report = %v, want (%d,%d)", last, total, total)
	}
	if log.lastPhase() != PhaseCompleted {
		t.Errorf("last phase = %q, want completed", log.lastPhase())
	}

	info, err := os.Stat(filepath.Join(out, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	// ZIP stores times at two-second resolution.
	if d := info.ModTime().Sub(mtime); d < -2*time.Second || d > 2*time.Second {
		t.Errorf("mtime = %v, want about %v", info.ModTime(), mtime)
	}
	info, err = os.Stat(filepath.Join(out, "nested", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestExtractLargeMemberInChunks(t *testing.T) {
	const chunk = 32 << 10
	e, _ := newTestEngine(t, func(tn *Tuning) {
		tn.ChunkSize = chunk
		tn.LargeFileThreshold = 1024
	})
	zipPath := filepath.Join(t.TempDir(), "big.zip")
	data := strings.Repeat("z", 150<<10)
	buildZip(t, zipPath, [][2]string{{"big.txt", data}})

	out := t.TempDir()
	var log progressLog
	if err := e.Extract(context.Background(), ExtractRequest{Archive: zipPath, Destination: out, Progress: log.progress}); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if readFile(t, filepath.Join(out, "big.txt")) != data {
		t.Fatal("content mismatch")
	}
	log.checkMonotonic(t)
	if len(log.reports) < 5 {
		t.Errorf("expected per-chunk reports, got %v", log.reports)
	}
	var prev int64
	for _, r := range log.reports {
		if r[0]-prev > chunk {
			t.Errorf("progress jumped by %d, more than one chunk", r[0]-prev)
		}
		prev = r[0]
	}
}

func TestExtractSkipsUnsafeMembers(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	base := t.TempDir()
	zipPath := filepath.Join(base, "evil.zip")
	buildZip(t, zipPath, [][2]string{
		{"../escape.txt", "nope"},
		{"/abs.txt", "nope"},
		{"safe/ok.txt", "fine"},
	})

	out := filepath.Join(base, "out")
	if err := e.Extract(context.Background(), ExtractRequest{Archive: zipPath, Destination: out}); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if readFile(t, filepath.Join(out, "safe", "ok.txt")) != "fine" {
		t.Error("safe member not extracted")
	}
	if _, err := os.Stat(filepath.Join(base, "escape.txt")); !os.IsNotExist(err) {
		t.Error("traversal member escaped the destination")
	}
}

func TestExtractCancelledKeepsPartialOutput(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	zipPath := filepath.Join(t.TempDir(), "multi.zip")
	buildZip(t, zipPath, [][2]string{
		{"first.txt", "1111"},
		{"second.txt", "2222"},
		{"third.txt", "3333"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := t.TempDir()
	var log progressLog
	err := e.Extract(ctx, ExtractRequest{
		Archive:     zipPath,
		Destination: out,
		Progress: func(current, total int64) {
			log.progress(current, total)
			if current > 0 {
				cancel()
			}
		},
		Phase: log.phase,
	})
	if KindOf(err) != KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if readFile(t, filepath.Join(out, "first.txt")) != "1111" {
		t.Error("already extracted member should be kept")
	}
	if _, err := os.Stat(filepath.Join(out, "third.txt")); !os.IsNotExist(err) {
		t.Error("extraction continued after cancellation")
	}
	if log.lastPhase() != PhaseCancelled {
		t.Errorf("last phase = %q, want cancelled", log.lastPhase())
	}
}

func TestExtractResourceExhausted(t *testing.T) {
	e, g := newTestEngine(t, nil)
	g.critical.Store(true)
	zipPath := filepath.Join(t.TempDir(), "a.zip")
	buildZip(t, zipPath, [][2]string{{"a.txt", "a"}})

	err := e.Extract(context.Background(), ExtractRequest{Archive: zipPath, Destination: t.TempDir()})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
}

func TestExtractInsufficientSpace(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.SetFreeSpaceFunc(func(context.Context, string) (uint64, error) { return 1, nil })
	zipPath := filepath.Join(t.TempDir(), "a.zip")
	buildZip(t, zipPath, [][2]string{{"a.txt", "0123456789"}})
	out := t.TempDir()

	err := e.Extract(context.Background(), ExtractRequest{Archive: zipPath, Destination: out})
	if KindOf(err) != KindInsufficientSpace {
		t.Fatalf("expected InsufficientSpace, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "a.txt")); !os.IsNotExist(err) {
		t.Error("nothing should be extracted when space is short")
	}
}

func TestExtractPreconditions(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.zip")
	if err := os.WriteFile(garbage, []byte("definitely not an archive"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		archive string
		want    Kind
	}{
		{"missing", filepath.Join(dir, "missing.zip"), KindNotFound},
		{"directory", dir, KindUnsupportedInput},
		{"garbage", garbage, KindInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log progressLog
			err := e.Extract(context.Background(), ExtractRequest{
				Archive:     tt.archive,
				Destination: filepath.Join(t.TempDir(), "out"),
				Phase:       log.phase,
			})
			if KindOf(err) != tt.want {
				t.Errorf("got %v (kind %s), want kind %s", err, KindOf(err), tt.want)
			}
			if log.lastPhase() != PhaseFailed {
				t.Errorf("last phase = %q, want failed", log.lastPhase())
			}
		})
	}
}

func TestExtract7z(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	out := t.TempDir()

	var log progressLog
	err := e.Extract(context.Background(), ExtractRequest{
		Archive:     filepath.Join("testdata", "sample.7z"),
		Destination: out,
		Progress:    log.progress,
		Phase:       log.phase,
	})
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if got := readFile(t, filepath.Join(out, "foo")); got != "foo\n" {
		t.Errorf("foo = %q", got)
	}
	if got := readFile(t, filepath.Join(out, "bar")); got != "bar\n" {
		t.Errorf("bar = %q", got)
	}
	if left := leftovers(t, out); len(left) != 0 {
		t.Errorf("staging directory left behind: %v", left)
	}
	log.checkMonotonic(t)
	if last := log.last(); last != [2]int64{8, 8} {
		t.Errorf("final report = %v, want (8,8)", last)
	}
	if log.lastPhase() != PhaseCompleted {
		t.Errorf("last phase = %q, want completed", log.lastPhase())
	}
}

func TestExtract7zMergesIntoExistingDestination(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	out := t.TempDir()
	writeTree(t, out, map[string]string{"keep.txt": "kept", "foo": "stale"})

	if err := e.Extract(context.Background(), ExtractRequest{Archive: filepath.Join("testdata", "sample.7z"), Destination: out}); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	if readFile(t, filepath.Join(out, "keep.txt")) != "kept" {
		t.Error("unrelated file was disturbed")
	}
	if readFile(t, filepath.Join(out, "foo")) != "foo\n" {
		t.Error("existing file was not replaced")
	}
}

func TestExtract7zCancelledDiscardsStaging(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	out := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Extract(ctx, ExtractRequest{Archive: filepath.Join("testdata", "sample.7z"), Destination: out})
	if KindOf(err) != KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("destination should be empty after a cancelled 7z extract, has %d entries", len(entries))
	}
}

func TestExtract7zResourceExhausted(t *testing.T) {
	e, g := newTestEngine(t, nil)
	g.critical.Store(true)
	out := t.TempDir()

	err := e.Extract(context.Background(), ExtractRequest{Archive: filepath.Join("testdata", "sample.7z"), Destination: out})
	if KindOf(err) != KindResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "foo")); !os.IsNotExist(err) {
		t.Error("nothing should be published after resource exhaustion")
	}
}

func TestDetectFormat(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "a.zip")
	buildZip(t, zipPath, [][2]string{{"a", "a"}})
	renamed := filepath.Join(dir, "really-a-zip.7z")
	if err := os.WriteFile(renamed, []byte(readFile(t, zipPath)), 0o644); err != nil {
		t.Fatal(err)
	}
	text := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(text, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path    string
		want    archive.Format
		wantErr Kind
	}{
		{zipPath, archive.FormatZip, KindUnclassified},
		{renamed, archive.FormatZip, KindUnclassified},
		{filepath.Join("testdata", "sample.7z"), archive.Format7z, KindUnclassified},
		{text, "", KindInvalidFormat},
		{filepath.Join(dir, "missing"), "", KindNotFound},
	}
	for _, tt := range tests {
		got, err := e.DetectFormat(tt.path)
		if tt.wantErr != KindUnclassified {
			if KindOf(err) != tt.wantErr {
				t.Errorf("DetectFormat(%s) error = %v, want kind %s", tt.path, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("DetectFormat(%s) error: %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DetectFormat(%s) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestVerify(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.zip")
	buildZip(t, good, [][2]string{{"a.txt", strings.Repeat("abc", 1000)}, {"b.txt", "b"}})
	if err := e.Verify(context.Background(), good); err != nil {
		t.Fatalf("Verify(good) error: %v", err)
	}

	data, err := os.ReadFile(good)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the first member's compressed data, just past its local header.
	for i := 40; i < 60 && i < len(data); i++ {
		data[i] ^= 0xff
	}
	bad := filepath.Join(dir, "bad.zip")
	if err := os.WriteFile(bad, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.Verify(context.Background(), bad); KindOf(err) != KindInvalidFormat {
		t.Errorf("Verify(bad) = %v, want InvalidFormat", err)
	}
}
