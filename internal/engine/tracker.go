package engine

import (
	"sync"
	"time"
)

// OperationProgress is a snapshot of one operation, safe for JSON
// serialization.
type OperationProgress struct {
	Kind           string    `json:"kind"`
	Phase          Phase     `json:"phase"`
	Current        int64     `json:"current"`
	Total          int64     `json:"total"`
	Percent        float64   `json:"percent"`
	BytesPerSecond int64     `json:"bytes_per_second"`
	ETA            string    `json:"eta,omitempty"`
	StartTime      time.Time `json:"start_time"`
	Elapsed        string    `json:"elapsed"`
	Message        string    `json:"message,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// OperationTracker accumulates progress and phase changes from an engine
// call for front-ends. SSE handlers use Wait() to block until the next
// update.
type OperationTracker struct {
	mu sync.Mutex

	kind      string
	phase     Phase
	current   int64
	total     int64
	startTime time.Time
	message   string
	errKind   string
	errMsg    string

	// Close-and-replace: any update closes the current channel and
	// installs a fresh one.
	notify chan struct{}
}

// NewOperationTracker creates a tracker in the idle phase.
func NewOperationTracker(kind string) *OperationTracker {
	return &OperationTracker{
		kind:      kind,
		phase:     PhaseIdle,
		startTime: time.Now(),
		notify:    make(chan struct{}),
	}
}

// Update records a progress report. It has the ProgressFunc signature.
func (t *OperationTracker) Update(current, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = current
	t.total = total
	t.signal()
}

// SetPhase records a phase transition. It has the PhaseFunc signature.
func (t *OperationTracker) SetPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p == PhaseProcessing && t.phase != PhaseProcessing {
		// Rates are measured from the start of real work.
		t.startTime = time.Now()
	}
	t.phase = p
	t.signal()
}

// SetMessage sets a human-readable status message.
func (t *OperationTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
	t.signal()
}

// Finish records the outcome of the operation and moves to the matching
// terminal phase.
func (t *OperationTracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = terminalPhase(err)
	if err != nil {
		t.errKind = KindOf(err).String()
		t.errMsg = err.Error()
	}
	t.signal()
}

// Snapshot returns a copy of the current state.
func (t *OperationTracker) Snapshot() OperationProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	if t.total > 0 {
		pct = float64(t.current) / float64(t.total) * 100
	} else if t.phase == PhaseCompleted {
		pct = 100
	}

	elapsed := time.Since(t.startTime)
	var bytesPerSecond int64
	var eta string
	if elapsed > time.Second && t.current > 0 {
		bytesPerSecond = int64(float64(t.current) / elapsed.Seconds())
		if bytesPerSecond > 0 && t.total > t.current && !t.phase.Terminal() {
			remaining := t.total - t.current
			etaDuration := time.Duration(float64(remaining) / float64(bytesPerSecond) * float64(time.Second))
			eta = etaDuration.Truncate(time.Second).String()
		}
	}

	return OperationProgress{
		Kind:           t.kind,
		Phase:          t.phase,
		Current:        t.current,
		Total:          t.total,
		Percent:        pct,
		BytesPerSecond: bytesPerSecond,
		ETA:            eta,
		StartTime:      t.startTime,
		Elapsed:        elapsed.Truncate(time.Second).String(),
		Message:        t.message,
		ErrorKind:      t.errKind,
		Error:          t.errMsg,
	}
}

// Wait returns a channel that is closed on the next update.
func (t *OperationTracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *OperationTracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}
