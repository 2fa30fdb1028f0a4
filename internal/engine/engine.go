// Package engine implements resource-aware, cancellable compression and
// extraction with progress reporting.
package engine

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/BadgerOps/zippy/internal/monitor"
	"github.com/BadgerOps/zippy/internal/store"
)

// Tuning holds the size and timing knobs of one operation.
type Tuning struct {
	Method             string // "deflate" or "zstd"
	ChunkSize          int64
	LargeFileThreshold int64
	ProgressInterval   time.Duration
	PollInterval       time.Duration
	MemoryThreshold    float64
	MonitorInterval    time.Duration
	Workers            int

	// Applied by MemoryOptimized.
	OptimizedChunkSize int64
	OptimizedThreshold int64
}

// DefaultTuning returns the stock settings: 8 MB chunks, streaming above
// 500 MB, progress at most every 0.5s.
func DefaultTuning() Tuning {
	return Tuning{
		Method:             "deflate",
		ChunkSize:          8 << 20,
		LargeFileThreshold: 500 << 20,
		ProgressInterval:   500 * time.Millisecond,
		PollInterval:       250 * time.Millisecond,
		MemoryThreshold:    monitor.DefaultThreshold,
		MonitorInterval:    monitor.DefaultInterval,
		OptimizedChunkSize: 1 << 20,
		OptimizedThreshold: 100 << 20,
	}
}

// MemoryOptimized returns a copy with the reduced chunk size and
// large-file threshold.
func (t Tuning) MemoryOptimized() Tuning {
	if t.OptimizedChunkSize > 0 {
		t.ChunkSize = t.OptimizedChunkSize
	}
	if t.OptimizedThreshold > 0 {
		t.LargeFileThreshold = t.OptimizedThreshold
	}
	return t
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.Method == "" {
		t.Method = d.Method
	}
	if t.ChunkSize <= 0 {
		t.ChunkSize = d.ChunkSize
	}
	if t.LargeFileThreshold < 0 {
		t.LargeFileThreshold = d.LargeFileThreshold
	}
	if t.ProgressInterval < 0 {
		t.ProgressInterval = d.ProgressInterval
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.MemoryThreshold <= 0 {
		t.MemoryThreshold = d.MemoryThreshold
	}
	if t.MonitorInterval <= 0 {
		t.MonitorInterval = d.MonitorInterval
	}
	return t
}

// defaultWorkers is the I/O-bound heuristic: NumCPU+4, at most 32.
func defaultWorkers() int {
	return min(runtime.NumCPU()+4, 32)
}

// ResourceGuard is the view of the resource monitor the engine needs.
// *monitor.Monitor implements it.
type ResourceGuard interface {
	Start()
	Stop()
	IsCritical() bool
}

// GuardFactory builds the guard for one operation.
type GuardFactory func(t Tuning, logger *slog.Logger) ResourceGuard

// FreeSpaceFunc reports free bytes on the volume holding path.
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

func defaultGuard(t Tuning, logger *slog.Logger) ResourceGuard {
	return monitor.New(monitor.Options{
		Threshold: t.MemoryThreshold,
		Interval:  t.MonitorInterval,
	}, logger)
}

// Engine runs compress and extract operations. It is safe for concurrent
// use; every call gets its own monitor and progress state.
type Engine struct {
	tuning Tuning
	logger *slog.Logger

	mu        sync.RWMutex
	store     *store.Store
	newGuard  GuardFactory
	freeSpace FreeSpaceFunc
}

// New creates an Engine with the given tuning.
func New(t Tuning, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tuning:    t.withDefaults(),
		logger:    logger,
		newGuard:  defaultGuard,
		freeSpace: monitor.FreeSpace,
	}
}

// Tuning returns the engine's base tuning.
func (e *Engine) Tuning() Tuning {
	return e.tuning
}

// SetStore attaches an operation history store. Nil detaches it.
func (e *Engine) SetStore(s *store.Store) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = s
}

// SetGuardFactory replaces how resource guards are built (for testing).
func (e *Engine) SetGuardFactory(f GuardFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f == nil {
		f = defaultGuard
	}
	e.newGuard = f
}

// SetFreeSpaceFunc replaces the free-space probe (for testing).
func (e *Engine) SetFreeSpaceFunc(f FreeSpaceFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f == nil {
		f = monitor.FreeSpace
	}
	e.freeSpace = f
}

func (e *Engine) guard(t Tuning) ResourceGuard {
	e.mu.RLock()
	f := e.newGuard
	e.mu.RUnlock()
	return f(t, e.logger)
}

func (e *Engine) freeSpaceFunc() FreeSpaceFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.freeSpace
}

func (e *Engine) historyStore() *store.Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store
}
