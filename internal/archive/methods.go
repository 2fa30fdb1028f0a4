package archive

import (
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ZIP method IDs beyond the two archive/zip defines.
const (
	MethodBzip2 uint16 = 12
	MethodZstd  uint16 = zstd.ZipMethodWinZip
	MethodXZ    uint16 = 95
)

// Method describes how members of a new archive are compressed.
type Method struct {
	Name  string
	ID    uint16
	Level int
}

// MethodByName resolves a configured method name at the given level (0-9).
func MethodByName(name string, level int) (Method, error) {
	if level < 0 || level > 9 {
		return Method{}, fmt.Errorf("compression level %d out of range 0-9", level)
	}
	switch name {
	case "", "deflate":
		return Method{Name: "deflate", ID: zip.Deflate, Level: level}, nil
	case "zstd":
		return Method{Name: "zstd", ID: MethodZstd, Level: level}, nil
	default:
		return Method{}, fmt.Errorf("unknown compression method %q", name)
	}
}

// Compressor returns a zip.Compressor producing this method's stream at
// its level.
func (m Method) Compressor() zip.Compressor {
	switch m.ID {
	case MethodZstd:
		return zstdCompressor(m.Level)
	default:
		return deflateCompressor(m.Level)
	}
}

// NewWriter returns a zip.Writer whose members are compressed with m. The
// level is fixed for the whole archive.
func (m Method) NewWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(m.ID, m.Compressor())
	return zw
}

var (
	flatePools [10]sync.Pool
	zstdOnce   [10]sync.Once
	zstdComps  [10]zip.Compressor
)

// deflateCompressor uses klauspost's flate, which is wire compatible with
// compress/flate and considerably faster at every level.
func deflateCompressor(level int) zip.Compressor {
	pool := &flatePools[level]
	return func(w io.Writer) (io.WriteCloser, error) {
		if fw, ok := pool.Get().(*flate.Writer); ok {
			fw.Reset(w)
			return &pooledFlateWriter{fw: fw, pool: pool}, nil
		}
		fw, err := flate.NewWriter(w, level)
		if err != nil {
			return nil, err
		}
		return &pooledFlateWriter{fw: fw, pool: pool}, nil
	}
}

type pooledFlateWriter struct {
	mu   sync.Mutex
	fw   *flate.Writer
	pool *sync.Pool
}

func (w *pooledFlateWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw == nil {
		return 0, fmt.Errorf("write after close")
	}
	return w.fw.Write(p)
}

func (w *pooledFlateWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fw == nil {
		return nil
	}
	err := w.fw.Close()
	w.pool.Put(w.fw)
	w.fw = nil
	return err
}

func zstdCompressor(level int) zip.Compressor {
	zstdOnce[level].Do(func() {
		zstdComps[level] = zstd.ZipCompressor(
			zstd.WithEncoderLevel(zstdLevel(level)),
			zstd.WithEncoderConcurrency(1),
		)
	})
	return zstdComps[level]
}

// zstdLevel maps the 0-9 deflate-style scale onto zstd's four encoder
// presets.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

var zstdDecompressor = zstd.ZipDecompressor()

// RegisterDecompressors teaches r every method this package can read:
// deflate through klauspost, zstd (both method IDs), xz and bzip2.
func RegisterDecompressors(r *zip.Reader) {
	r.RegisterDecompressor(zip.Deflate, flate.NewReader)
	r.RegisterDecompressor(MethodZstd, zstdDecompressor)
	r.RegisterDecompressor(zstd.ZipMethodPKWare, zstdDecompressor)
	r.RegisterDecompressor(MethodXZ, xzDecompressor)
	r.RegisterDecompressor(MethodBzip2, func(r io.Reader) io.ReadCloser {
		return io.NopCloser(bzip2.NewReader(r))
	})
}

func xzDecompressor(r io.Reader) io.ReadCloser {
	xr, err := xz.NewReader(r)
	if err != nil {
		return io.NopCloser(errReader{err: fmt.Errorf("xz member: %w", err)})
	}
	return io.NopCloser(xr)
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// OpenReader opens a ZIP file with every supported decompressor
// registered.
func OpenReader(path string) (*zip.ReadCloser, error) {
	rc, err := zip.OpenReader(path)
	if err != nil && rc == nil {
		return nil, err
	}
	RegisterDecompressors(&rc.Reader)
	return rc, nil
}
