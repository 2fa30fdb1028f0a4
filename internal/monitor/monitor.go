// Package monitor samples system memory and process CPU in the background
// and raises a sticky critical flag when memory pressure crosses a
// threshold.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample.
type Usage struct {
	MemoryPercent float64   `json:"memory_percent"`
	CPUPercent    float64   `json:"cpu_percent"`
	Critical      bool      `json:"critical"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler takes one resource reading.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// Options configures a Monitor. Zero values select the defaults.
type Options struct {
	Threshold    float64 // memory percent, default 75
	Interval     time.Duration
	ErrorBackoff time.Duration
	StopTimeout  time.Duration
	Sampler      Sampler
}

const (
	DefaultThreshold    = 75.0
	DefaultInterval     = time.Second
	DefaultErrorBackoff = 2 * time.Second
	DefaultStopTimeout  = time.Second
)

// Monitor runs a background sampler between Start and Stop.
type Monitor struct {
	opts   Options
	logger *slog.Logger

	critical atomic.Bool
	usage    atomic.Pointer[Usage]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Monitor.
func New(opts Options, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Sampler == nil {
		opts.Sampler = NewSystemSampler()
	}
	m := &Monitor{opts: opts, logger: logger}
	m.usage.Store(&Usage{})
	return m
}

// Start clears the critical flag and launches the sampler goroutine if one
// is not already running. Calling Start on a running monitor only resets
// the flag.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.critical.Store(false)

	if m.cancel != nil {
		select {
		case <-m.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop signals the sampler and waits up to StopTimeout for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	timer := time.NewTimer(m.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.logger.Warn("resource monitor did not stop in time", "timeout", m.opts.StopTimeout)
	}
}

// IsCritical reports whether memory crossed the threshold since the last
// Start.
func (m *Monitor) IsCritical() bool {
	return m.critical.Load()
}

// CurrentUsage returns the most recent sample.
func (m *Monitor) CurrentUsage() Usage {
	u := *m.usage.Load()
	u.Critical = m.critical.Load()
	return u
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait := m.opts.Interval

		u, err := m.sample(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			m.logger.Warn("resource sampling failed", "error", err)
			wait = m.opts.ErrorBackoff
		default:
			m.usage.Store(&u)
			if u.MemoryPercent > m.opts.Threshold && !m.critical.Swap(true) {
				m.logger.Warn("memory usage critical",
					"memory_percent", u.MemoryPercent,
					"threshold", m.opts.Threshold)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Monitor) sample(ctx context.Context) (u Usage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sampler panic: %v", r)
		}
	}()
	u, err = m.opts.Sampler.Sample(ctx)
	if err == nil && u.SampledAt.IsZero() {
		u.SampledAt = time.Now()
	}
	return u, err
}

// SystemSampler reads virtual memory and this process's CPU through
// gopsutil.
type SystemSampler struct {
	proc *process.Process
}

// NewSystemSampler returns a sampler for the current process. CPU is
// reported as zero if the process handle cannot be opened.
func NewSystemSampler() *SystemSampler {
	p, err := process.NewProcessWithContext(context.Background(), int32(os.Getpid()))
	if err != nil {
		p = nil
	}
	return &SystemSampler{proc: p}
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("reading virtual memory: %w", err)
	}
	u := Usage{MemoryPercent: vm.UsedPercent, SampledAt: time.Now()}
	if s.proc != nil {
		// Interval 0 measures against the previous call, so the first
		// reading is 0.
		if cpu, err := s.proc.PercentWithContext(ctx, 0); err == nil {
			u.CPUPercent = cpu
		}
	}
	return u, nil
}

// FreeSpace returns the bytes available to unprivileged users on the
// volume holding path.
func FreeSpace(ctx context.Context, path string) (uint64, error) {
	st, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("reading free space for %s: %w", path, err)
	}
	return st.Free, nil
}
