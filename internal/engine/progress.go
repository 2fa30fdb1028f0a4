package engine

import (
	"sync"
	"time"
)

// ProgressFunc receives (current, total) byte or item counts. It may be
// called from worker goroutines; calls for one operation never overlap and
// current never decreases.
type ProgressFunc func(current, total int64)

// Phase is a step of the operation state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseCancelled  Phase = "cancelled"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether no further transitions follow p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// PhaseFunc is told about every phase transition.
type PhaseFunc func(Phase)

// terminalPhase maps an operation result to its final phase.
func terminalPhase(err error) Phase {
	switch {
	case err == nil:
		return PhaseCompleted
	case KindOf(err) == KindCancelled:
		return PhaseCancelled
	default:
		return PhaseFailed
	}
}

// progressReporter clamps, orders and throttles progress for one
// operation. The first and final reports are never throttled.
type progressReporter struct {
	mu       sync.Mutex
	fn       ProgressFunc
	interval time.Duration

	current  int64
	total    int64
	reported bool
	lastSent int64
	lastAt   time.Time
}

func newProgressReporter(fn ProgressFunc, interval time.Duration) *progressReporter {
	return &progressReporter{fn: fn, interval: interval}
}

// begin sets the denominator and emits the first report.
func (p *progressReporter) begin(total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if total < 0 {
		total = 0
	}
	p.total = total
	if p.current > total {
		p.current = total
	}
	p.emit()
}

// add advances by n, emitting if the throttle interval has passed.
func (p *progressReporter) add(n int64) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advanceTo(p.current + n)
}

// set advances to v; lower values are ignored.
func (p *progressReporter) set(v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advanceTo(v)
}

func (p *progressReporter) advanceTo(v int64) {
	if v > p.total {
		v = p.total
	}
	if v <= p.current {
		return
	}
	p.current = v
	if p.interval <= 0 || time.Since(p.lastAt) >= p.interval {
		p.emit()
	}
}

// finish jumps to total and emits unless that exact value was already
// reported.
func (p *progressReporter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = p.total
	if p.reported && p.lastSent == p.current {
		return
	}
	p.emit()
}

// values returns the current counters.
func (p *progressReporter) values() (current, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.total
}

// emit must be called with p.mu held.
func (p *progressReporter) emit() {
	p.reported = true
	p.lastSent = p.current
	p.lastAt = time.Now()
	if p.fn != nil {
		p.fn(p.current, p.total)
	}
}
