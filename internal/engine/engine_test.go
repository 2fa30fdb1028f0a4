package engine

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/zippy/internal/archive"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGuard is a ResourceGuard whose critical state the test controls.
type fakeGuard struct {
	critical atomic.Bool
	starts   atomic.Int32
	stops    atomic.Int32
}

func (g *fakeGuard) Start()           { g.starts.Add(1) }
func (g *fakeGuard) Stop()            { g.stops.Add(1) }
func (g *fakeGuard) IsCritical() bool { return g.critical.Load() }

// newTestEngine returns an engine with unthrottled progress, a fake guard
// and a terabyte of pretend free space.
func newTestEngine(t *testing.T, tune func(*Tuning)) (*Engine, *fakeGuard) {
	t.Helper()
	tn := DefaultTuning()
	tn.ProgressInterval = 0
	tn.PollInterval = 5 * time.Millisecond
	if tune != nil {
		tune(&tn)
	}
	e := New(tn, testLogger())
	g := &fakeGuard{}
	e.SetGuardFactory(func(Tuning, *slog.Logger) ResourceGuard { return g })
	e.SetFreeSpaceFunc(func(context.Context, string) (uint64, error) { return 1 << 40, nil })
	return e, g
}

// writeTree creates files under root from a relative-path → content map.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// readZip returns member name → content for every file member.
func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	rc, err := archive.OpenReader(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer rc.Close()

	out := make(map[string]string)
	for _, f := range rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		r, err := f.Open()
		if err != nil {
			t.Fatalf("opening member %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatalf("reading member %s: %v", f.Name, err)
		}
		out[f.Name] = string(data)
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// progressLog records every progress report and phase change.
type progressLog struct {
	mu      sync.Mutex
	reports [][2]int64
	phases  []Phase
}

func (p *progressLog) progress(current, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, [2]int64{current, total})
}

func (p *progressLog) phase(ph Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = append(p.phases, ph)
}

func (p *progressLog) last() [2]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reports) == 0 {
		return [2]int64{-1, -1}
	}
	return p.reports[len(p.reports)-1]
}

func (p *progressLog) lastPhase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.phases) == 0 {
		return ""
	}
	return p.phases[len(p.phases)-1]
}

// checkMonotonic fails if current ever decreases or exceeds total.
func (p *progressLog) checkMonotonic(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var prev int64
	for i, r := range p.reports {
		if r[0] < prev {
			t.Errorf("report %d: current went backwards: %d after %d", i, r[0], prev)
		}
		if r[0] > r[1] {
			t.Errorf("report %d: current %d exceeds total %d", i, r[0], r[1])
		}
		prev = r[0]
	}
}

// leftovers lists hidden working files the engine may have left in dir.
func leftovers(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestCompressSingleFile(t *testing.T) {
	e, g := newTestEngine(t, nil)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"hello.txt": "hello world"})
	dest := filepath.Join(t.TempDir(), "out.zip")

	var log progressLog
	err := e.Compress(context.Background(), CompressRequest{
		Sources:     []string{filepath.Join(src, "hello.txt")},
		Destination: dest,
		Level:       6,
		Progress:    log.progress,
		Phase:       log.phase,
	})
	if err != nil {
		t.Fatalf("Compress() error: %v", err)
	}

	got := readZip(t, dest)
	if len(got) != 1 || got["hello.txt"] != "hello world" {
		t.Errorf("unexpected archive contents: %v", got)
	}

	if len(log.reports) != 2 {
		t.Fatalf("expected 2 progress reports, got %v", log.reports)
	}
	if log.reports[0] != [2]int64{0, 1} || log.reports[1] != [2]int64{1, 1} {
		t.Errorf("expected (0,1) then (1,1), got %v", log.reports)
	}

	wantPhases := []Phase{PhaseValidating, PhaseProcessing, PhaseCompleted}
	if strings.Join(phaseStrings(log.phases), ",") != strings.Join(phaseStrings(wantPhases), ",") {
		t.Errorf("phases = %v, want %v", log.phases, wantPhases)
	}
	if g.starts.Load() != 1 || g.stops.Load() != 1 {
		t.Errorf("guard started %d times and stopped %d times, want 1 and 1", g.starts.Load(), g.stops.Load())
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("archive mode = %v, want 0644", info.Mode().Perm())
	}
}

func phaseStrings(ps []Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func TestCompressDirectory(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	src := filepath.Join(t.TempDir(), "project")
	files := map[string]string{
		"README.md":       "# project",
		"src/main.go":     "package main",
		"src/lib/util.go": "package lib",
		"empty.txt":       "",
	}
	writeTree(t, src, files)
	dest := filepath.Join(t.TempDir(), "project.zip")

	var log progressLog
	err := e.Compress(context.Background(), CompressRequest{
		Sources:     []string{src},
		Destination: dest,
		Level:       9,
		Progress:    log.progress,
	})
	if err != nil {
		t.Fatalf("Compress() error: %v", err)
	}

	got := readZip(t, dest)
	if len(got) != len(files) {
		t.Fatalf("archive has %v, want %v", sortedKeys(got), sortedKeys(files))
	}
	for name, want := range files {
		if got[name] != want {
			t.Errorf("member %s = %q, want %q", name, got[name], want)
		}
	}

	var total int64
	for _, c := range files {
		total += int64(len(c))
	}
	log.checkMonotonic(t)
	if last := log.last(); last != [2]int64{total, total} {
		t.Errorf("final report = %v, want (%d,%d)", last, total, total)
	}
	if log.reports[0][0] != 0 {
		t.Errorf("first report = %v, want current 0", log.reports[0])
	}
}

func TestCompressLevelZeroAndZstd(t *testing.T) {
	for _, method := range []string{"deflate", "zstd"} {
		for _, level := range []int{0, 5, 9} {
			e, _ := newTestEngine(t, func(tn *Tuning) { tn.Method = method })
			src := t.TempDir()
			content := strings.Repeat("compressible text ", 500)
			writeTree(t, src, map[string]string{"a.txt": content})
			dest := filepath.Join(t.TempDir(), "out.zip")

			err := e.Compress(context.Background(), CompressRequest{
				Sources:     []string{filepath.Join(src, "a.txt")},
				Destination: dest,
				Level:       level,
			})
			if err != nil {
				t.Fatalf("%s level %d: Compress() error: %v", method, level, err)
			}
			if got := readZip(t, dest)["a.txt"]; got != content {
				t.Errorf("%s level %d: content mismatch (%d bytes)", method, level, len(got))
			}
		}
	}
}

func TestCompressLargeFileReportsChunks(t *testing.T) {
	const chunk = 64 << 10
	e, _ := newTestEngine(t, func(tn *Tuning) {
		tn.ChunkSize = chunk
		tn.LargeFileThreshold = 1024
	})
	src := t.TempDir()
	data := strings.Repeat("0123456789abcdef", (200<<10)/16)
	writeTree(t, src, map[string]string{"big.bin": data})
	dest := filepath.Join(t.TempDir(), "big.zip")

	var log progressLog
	err := e.Compress(context.Background(), CompressRequest{
		Sources:     []string{filepath.Join(src, "big.bin")},
		Destination: dest,
		Level:       1,
		Progress:    log.progress,
	})
	if err != nil {
		t.Fatalf("Compress() error: %v", err)
	}

	log.checkMonotonic(t)
	size := int64(len(data))
	if last := log.last(); last != [2]int64{size, size} {
		t.Errorf("final report = %v, want (%d,%d)", last, size, size)
	}
	// begin plus one report per chunk
	if len(log.reports) < 4 {
		t.Errorf("expected byte-level reports for a large file, got %v", log.reports)
	}
	var prev int64
	for _, r := range log.reports {
		if r[0]-prev > chunk {
			t.Errorf("progress jumped by %d, more than one chunk", r[0]-prev)
		}
		prev = r[0]
	}
	if readZip(t, dest)["big.bin"] != data {
		t.Error("large file content mismatch")
	}
}

func TestCompressMissingSource(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.zip")

	var log progressLog
	err := e.Compress(context.Background(), CompressRequest{
		Sources:     []string{filepath.Join(t.TempDir(), "nope")},
		Destination: dest,
		Level:       6,
		Phase:       log.phase,
	})
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("errors.Is(err, ErrNotFound) = false for %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination should not exist after a validation failure")
	}
	if log.lastPhase() != PhaseFailed {
		t.Errorf("last phase = %q, want failed", log.lastPhase())
	}
}

func TestCompressValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})
	file := filepath.Join(src, "a.txt")
	destDir := t.TempDir()

	tests := []struct {
		name string
		req  CompressRequest
		want Kind
	}{
		{"no sources", CompressRequest{Destination: filepath.Join(destDir, "x.zip")}, KindUnsupportedInput},
		{"no destination", CompressRequest{Sources: []string{file}}, KindUnsupportedInput},
		{"level too high", CompressRequest{Sources: []string{file}, Destination: filepath.Join(destDir, "x.zip"), Level: 10}, KindUnsupportedInput},
		{"negative level", CompressRequest{Sources: []string{file}, Destination: filepath.Join(destDir, "x.zip"), Level: -1}, KindUnsupportedInput},
		{"destination is directory", CompressRequest{Sources: []string{file}, Destination: destDir}, KindUnsupportedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Compress(context.Background(), tt.req)
			if KindOf(err) != tt.want {
				t.Errorf("got %v (kind %s), want kind %s", err, KindOf(err), tt.want)
			}
		})
	}
}

func TestCompressInsufficientSpace(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.SetFreeSpaceFunc(func(context.Context, string) (uint64, error) { return 10, nil })

	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "0123456789"})
	dest := filepath.Join(t.TempDir(), "out.zip")

	err := e.Compress(context.Background(), CompressRequest{
		Sources:     []string{filepath.Join(src, "a.txt")},
		Destination: dest,
		Level:       6,
	})
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected insufficient space, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("no archive should be written when space is short")
	}
}

func TestCompressIgnoresFreeSpaceProbeFailure(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.SetFreeSpaceFunc(func(context.Context, string) (uint64, error) {
		return 0, errors.New("statfs unsupported")
	})
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})

	err := e.Compress(context.Background(), CompressRequest{
		Sources:     []string{filepath.Join(src, "a.txt")},
		Destination: filepath.Join(t.TempDir(), "out.zip"),
		Level:       6,
	})
	if err != nil {
		t.Fatalf("Compress() error: %v", err)
	}
}

func TestCompressCancelledRemovesPartialArchive(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.zip")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var log progressLog
	err := e.Compress(ctx, CompressRequest{
		Sources:     []string{src},
		Destination: dest,
		Level:       6,
		Progress: func(current, total int64) {
			log.progress(current, total)
			cancel()
		},
		Phase: log.phase,
	})
	if KindOf(err) != KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled error should match ErrCancelled and context.Canceled: %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("partial archive was not removed")
	}
	if left := leftovers(t, destDir); len(left) != 0 {
		t.Errorf("temporary files left behind: %v", left)
	}
	if log.lastPhase() != PhaseCancelled {
		t.Errorf("last phase = %q, want cancelled", log.lastPhase())
	}
}

func TestCompressCancelledRemovesExistingDestination(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b.txt": "b"})
	dest := filepath.Join(t.TempDir(), "out.zip")
	if err := os.WriteFile(dest, []byte("previous archive"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Compress(ctx, CompressRequest{Sources: []string{src}, Destination: dest, Level: 6})
	if KindOf(err) != KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if _, err := os.Stat(dest); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("destination still exists after cancellation: %v", err)
	}
}

func TestCompressMidWriteFailureRemovesExistingDestination(t *testing.T) {
	e, g := newTestEngine(t, nil)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.zip")
	if err := os.WriteFile(dest, []byte("previous archive"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Pressure turns critical once the first file has been written.
	progress := func(current, total int64) {
		if current > 0 {
			g.critical.Store(true)
		}
	}
	err := e.Compress(context.Background(), CompressRequest{
		Sources:     []string{src},
		Destination: dest,
		Level:       6,
		Progress:    progress,
	})
	if KindOf(err) != KindResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if _, err := os.Stat(dest); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("destination still exists after failure: %v", err)
	}
	if left := leftovers(t, destDir); len(left) != 0 {
		t.Errorf("leftover files: %v", left)
	}
}

func TestCompressResourceExhausted(t *testing.T) {
	e, g := newTestEngine(t, nil)
	g.critical.Store(true)

	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b.txt": "b"})
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.zip")

	err := e.Compress(context.Background(), CompressRequest{Sources: []string{src}, Destination: dest, Level: 6})
	if KindOf(err) != KindResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("errors.Is(err, ErrResourceExhausted) = false")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("partial archive was not removed")
	}
	if g.stops.Load() != 1 {
		t.Errorf("guard stopped %d times, want 1", g.stops.Load())
	}
}

func TestCompressExcludesDestinationInsideSource(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})
	dest := filepath.Join(src, "self.zip")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.Compress(context.Background(), CompressRequest{Sources: []string{src}, Destination: dest, Level: 6}); err != nil {
		t.Fatalf("Compress() error: %v", err)
	}
	got := readZip(t, dest)
	if _, ok := got["self.zip"]; ok {
		t.Error("archive contains itself")
	}
	if got["a.txt"] != "a" {
		t.Errorf("unexpected contents: %v", sortedKeys(got))
	}
}

func TestCompressFollowsFileSymlinks(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	outside := t.TempDir()
	writeTree(t, outside, map[string]string{"target.txt": "linked"})
	src := t.TempDir()
	writeTree(t, src, map[string]string{"plain.txt": "plain"})
	if err := os.Symlink(filepath.Join(outside, "target.txt"), filepath.Join(src, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "out.zip")

	if err := e.Compress(context.Background(), CompressRequest{Sources: []string{src}, Destination: dest, Level: 6}); err != nil {
		t.Fatalf("Compress() error: %v", err)
	}
	got := readZip(t, dest)
	if got["link.txt"] != "linked" || got["plain.txt"] != "plain" {
		t.Errorf("unexpected contents: %v", got)
	}
}

func TestCompressStagedNaming(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	base := t.TempDir()
	writeTree(t, base, map[string]string{
		"one/data/a.txt": "one-a",
		"two/data/b.txt": "two-b",
		"one/notes.txt":  "first notes",
		"two/notes.txt":  "second notes",
	})
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "bundle.zip")

	var log progressLog
	err := e.Compress(context.Background(), CompressRequest{
		Sources: []string{
			filepath.Join(base, "one", "data"),
			filepath.Join(base, "two", "data"),
			filepath.Join(base, "one", "notes.txt"),
			filepath.Join(base, "two", "notes.txt"),
		},
		Destination: dest,
		Level:       6,
		Progress:    log.progress,
	})
	if err != nil {
		t.Fatalf("Compress() error: %v", err)
	}

	want := map[string]string{
		"data/a.txt":     "one-a",
		"data (2)/b.txt": "two-b",
		"notes.txt":      "first notes",
		"notes (2).txt":  "second notes",
	}
	got := readZip(t, dest)
	if strings.Join(sortedKeys(got), ",") != strings.Join(sortedKeys(want), ",") {
		t.Fatalf("members = %v, want %v", sortedKeys(got), sortedKeys(want))
	}
	for name, content := range want {
		if got[name] != content {
			t.Errorf("member %s = %q, want %q", name, got[name], content)
		}
	}
	if left := leftovers(t, destDir); len(left) != 0 {
		t.Errorf("holding directory not removed: %v", left)
	}
	log.checkMonotonic(t)
}

func TestCompressParallel(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	base := t.TempDir()
	files := make(map[string]string)
	for i := 0; i < 20; i++ {
		dir := "left"
		if i%2 == 1 {
			dir = "right"
		}
		name := dir + "/file" + string(rune('a'+i)) + ".txt"
		files[name] = strings.Repeat(string(rune('a'+i)), 100+i*37)
	}
	writeTree(t, base, files)
	dest := filepath.Join(t.TempDir(), "parallel.zip")

	var log progressLog
	err := e.CompressParallel(context.Background(), CompressRequest{
		Sources:     []string{filepath.Join(base, "left"), filepath.Join(base, "right")},
		Destination: dest,
		Level:       6,
		Workers:     2,
		Progress:    log.progress,
	})
	if err != nil {
		t.Fatalf("CompressParallel() error: %v", err)
	}

	got := readZip(t, dest)
	if len(got) != len(files) {
		t.Fatalf("archive has %d members, want %d", len(got), len(files))
	}
	var total int64
	for name, content := range files {
		member := name[strings.Index(name, "/")+1:]
		if got[member] != content {
			t.Errorf("member %s content mismatch", member)
		}
		total += int64(len(content))
	}
	log.checkMonotonic(t)
	if last := log.last(); last != [2]int64{total, total} {
		t.Errorf("final report = %v, want (%d,%d)", last, total, total)
	}
}

func TestCompressParallelIndependentFiles(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	src := t.TempDir()
	files := map[string]string{
		"one.txt":   strings.Repeat("1", 1500),
		"two.txt":   strings.Repeat("2", 2700),
		"three.txt": strings.Repeat("3", 400),
	}
	writeTree(t, src, files)
	dest := filepath.Join(t.TempDir(), "three.zip")

	var log progressLog
	err := e.CompressParallel(context.Background(), CompressRequest{
		Sources: []string{
			filepath.Join(src, "one.txt"),
			filepath.Join(src, "two.txt"),
			filepath.Join(src, "three.txt"),
		},
		Destination: dest,
		Level:       6,
		Workers:     2,
		Progress:    log.progress,
	})
	if err != nil {
		t.Fatalf("CompressParallel() error: %v", err)
	}

	got := readZip(t, dest)
	if len(got) != 3 {
		t.Fatalf("archive has %d members, want 3: %v", len(got), sortedKeys(got))
	}
	var total int64
	for name, content := range files {
		if got[name] != content {
			t.Errorf("member %s content mismatch", name)
		}
		total += int64(len(content))
	}
	log.checkMonotonic(t)
	if last := log.last(); last != [2]int64{total, total} {
		t.Errorf("final report = %v, want (%d,%d)", last, total, total)
	}
}

func TestCompressParallelRenamesDuplicateNames(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	base := t.TempDir()
	writeTree(t, base, map[string]string{
		"x/notes.txt": "from x",
		"y/notes.txt": "from y",
	})
	dest := filepath.Join(t.TempDir(), "dups.zip")

	err := e.CompressParallel(context.Background(), CompressRequest{
		Sources:     []string{filepath.Join(base, "x", "notes.txt"), filepath.Join(base, "y", "notes.txt")},
		Destination: dest,
		Level:       6,
	})
	if err != nil {
		t.Fatalf("CompressParallel() error: %v", err)
	}

	got := readZip(t, dest)
	if got["notes.txt"] != "from x" || got["notes (2).txt"] != "from y" {
		t.Errorf("members = %v, want notes.txt and notes (2).txt", got)
	}
}

func TestWriteEntriesSkipsReadFailures(t *testing.T) {
	e, g := newTestEngine(t, nil)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "alpha", "c.txt": "gamma"})
	// Opening a directory succeeds; reading it fails.
	broken := filepath.Join(src, "broken")
	if err := os.Mkdir(broken, 0o755); err != nil {
		t.Fatal(err)
	}

	method, err := archive.MethodByName("deflate", 6)
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "out.zip")
	var log progressLog
	job := &compressJob{
		ctx:    context.Background(),
		t:      e.Tuning(),
		plan:   &compressPlan{dest: dest, method: method},
		guard:  g,
		prog:   newProgressReporter(log.progress, 0),
		logger: testLogger(),
	}
	entries := []InventoryEntry{
		{Path: filepath.Join(src, "a.txt"), Name: "a.txt", Size: 5, Mode: 0o644},
		{Path: broken, Name: "broken.txt", Size: 4, Mode: 0o644},
		{Path: filepath.Join(src, "c.txt"), Name: "c.txt", Size: 5, Mode: 0o644},
	}
	err = job.withArchive(func(zw *zip.Writer) error {
		return job.writeEntries(zw, entries, 14)
	})
	if err != nil {
		t.Fatalf("writeEntries() error: %v", err)
	}

	got := readZip(t, dest)
	if got["a.txt"] != "alpha" || got["c.txt"] != "gamma" {
		t.Errorf("members = %v", got)
	}
	log.checkMonotonic(t)
	if last := log.last(); last != [2]int64{14, 14} {
		t.Errorf("final report = %v, want (14,14)", last)
	}
}

func TestCompressParallelSpillsLargeMembers(t *testing.T) {
	e, _ := newTestEngine(t, func(tn *Tuning) { tn.ChunkSize = 32 << 10 })
	src := t.TempDir()
	// Random-looking content so the compressed stream exceeds one chunk.
	var sb strings.Builder
	x := uint32(2463534242)
	for sb.Len() < 256<<10 {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		sb.WriteByte(byte(x))
	}
	writeTree(t, src, map[string]string{"noise.bin": sb.String(), "small.txt": "small"})
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.zip")

	err := e.CompressParallel(context.Background(), CompressRequest{
		Sources:     []string{src},
		Destination: dest,
		Level:       9,
		Workers:     2,
	})
	if err != nil {
		t.Fatalf("CompressParallel() error: %v", err)
	}
	got := readZip(t, dest)
	if got["noise.bin"] != sb.String() || got["small.txt"] != "small" {
		t.Error("content mismatch after spilling")
	}
	if left := leftovers(t, destDir); len(left) != 0 {
		t.Errorf("spool files left behind: %v", left)
	}
}

func TestCompressParallelSkipsUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	e, _ := newTestEngine(t, nil)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"ok.txt": "ok", "locked.txt": "secret"})
	if err := os.Chmod(filepath.Join(src, "locked.txt"), 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(filepath.Join(src, "locked.txt"), 0o644) })
	dest := filepath.Join(t.TempDir(), "out.zip")

	err := e.CompressParallel(context.Background(), CompressRequest{Sources: []string{src}, Destination: dest, Level: 6, Workers: 2})
	if err != nil {
		t.Fatalf("CompressParallel() error: %v", err)
	}
	got := readZip(t, dest)
	if _, ok := got["locked.txt"]; ok {
		t.Error("unreadable file should be skipped")
	}
	if got["ok.txt"] != "ok" {
		t.Error("readable file missing")
	}
}

func TestCompressParallelCancelled(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	src := t.TempDir()
	files := make(map[string]string)
	for i := 0; i < 50; i++ {
		files[filepath.Join("d", string(rune('A'+i%26))+string(rune('a'+i/26))+".txt")] = strings.Repeat("x", 1000)
	}
	writeTree(t, src, files)
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "out.zip")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := e.CompressParallel(ctx, CompressRequest{
		Sources:     []string{src},
		Destination: dest,
		Level:       6,
		Workers:     2,
		Progress:    func(int64, int64) { cancel() },
	})
	if KindOf(err) != KindCancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("partial archive was not removed")
	}
	if left := leftovers(t, destDir); len(left) != 0 {
		t.Errorf("temporary files left behind: %v", left)
	}
}

func TestSplitSources(t *testing.T) {
	got := SplitSources(" a.txt ;b dir;;  ;c")
	want := []string{"a.txt", "b dir", "c"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("SplitSources() = %q, want %q", got, want)
	}
	if SplitSources("") != nil {
		t.Error("empty input should give no sources")
	}
}

func TestUniqueRootName(t *testing.T) {
	used := make(map[string]bool)
	got := []string{
		uniqueRootName("data", true, used),
		uniqueRootName("data", true, used),
		uniqueRootName("data", true, used),
		uniqueRootName("report.tar.gz", false, used),
		uniqueRootName("report.tar.gz", false, used),
		uniqueRootName("Makefile", false, used),
		uniqueRootName("Makefile", false, used),
	}
	want := []string{"data", "data (2)", "data (3)", "report.tar.gz", "report.tar (2).gz", "Makefile", "Makefile (2)"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("name %d = %q, want %q", i, got[i], want[i])
		}
	}
}
