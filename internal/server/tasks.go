package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/zippy/internal/engine"
	"github.com/BadgerOps/zippy/internal/safety"
)

// TaskStatus is the lifecycle state of an API task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
)

// Task is one asynchronous compress or extract job with its own work
// directory.
type Task struct {
	ID      string
	Kind    string
	Dir     string
	Tracker *engine.OperationTracker

	mu         sync.Mutex
	status     TaskStatus
	result     string // file served by the download endpoint
	resultName string
	errMsg     string
	errKind    string
	createdAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// TaskInfo is the JSON view of a task.
type TaskInfo struct {
	ID          string                   `json:"task_id"`
	Kind        string                   `json:"kind"`
	Status      TaskStatus               `json:"status"`
	Progress    engine.OperationProgress `json:"progress"`
	Error       string                   `json:"error,omitempty"`
	ErrorKind   string                   `json:"error_kind,omitempty"`
	DownloadURL string                   `json:"download_url,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	FinishedAt  *time.Time               `json:"finished_at,omitempty"`
}

// Info snapshots the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{
		ID:        t.ID,
		Kind:      t.Kind,
		Status:    t.status,
		Progress:  t.Tracker.Snapshot(),
		Error:     t.errMsg,
		ErrorKind: t.errKind,
		CreatedAt: t.createdAt,
	}
	if t.status == TaskCompleted && t.result != "" {
		info.DownloadURL = "/api/v1/download/" + t.ID
	}
	if !t.finishedAt.IsZero() {
		ft := t.finishedAt
		info.FinishedAt = &ft
	}
	return info
}

// Status returns the current status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// SetResult records the file offered for download.
func (t *Task) SetResult(path, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = path
	t.resultName = name
}

// Result returns the download file, if any.
func (t *Task) Result() (path, name string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.resultName, t.status == TaskCompleted && t.result != ""
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch engine.KindOf(err) {
	case engine.KindCancelled:
		t.status = TaskCancelled
	default:
		t.status = TaskFailed
	}
	if err == nil {
		t.status = TaskCompleted
	} else {
		t.errMsg = err.Error()
		t.errKind = engine.KindOf(err).String()
	}
	t.finishedAt = time.Now()
	t.Tracker.Finish(err)
	close(t.done)
}

// TaskFunc does the work of a task. It must honour ctx.
type TaskFunc func(ctx context.Context, t *Task) error

// TaskManager owns every API task and its work directory.
type TaskManager struct {
	root   string
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

// NewTaskManager creates a manager that keeps task directories under root.
func NewTaskManager(root string, ttl time.Duration, logger *slog.Logger) *TaskManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskManager{
		root:   root,
		ttl:    ttl,
		logger: logger,
		tasks:  make(map[string]*Task),
	}
}

// Create registers a pending task and creates its directory.
func (m *TaskManager) Create(kind string) (*Task, error) {
	id := uuid.NewString()
	dir, err := safety.SafeJoinUnder(m.root, id)
	if err != nil {
		return nil, fmt.Errorf("task directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}

	t := &Task{
		ID:        id,
		Kind:      kind,
		Dir:       dir,
		Tracker:   engine.NewOperationTracker(kind),
		status:    TaskPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()
	return t, nil
}

// Run starts fn for t on its own goroutine. The task's context is
// independent of any request.
func (m *TaskManager) Run(t *Task, fn TaskFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.status = TaskProcessing
	t.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := fn(ctx, t)
		t.finish(err)
		if err != nil {
			m.logger.Warn("task failed", "task", t.ID, "kind", t.Kind, "error", err)
		} else {
			m.logger.Info("task completed", "task", t.ID, "kind", t.Kind)
		}
	}()
}

// Discard forgets a task that never started and removes its directory.
func (m *TaskManager) Discard(t *Task) {
	m.mu.Lock()
	delete(m.tasks, t.ID)
	m.mu.Unlock()
	if err := os.RemoveAll(t.Dir); err != nil {
		m.logger.Warn("failed to remove task directory", "task", t.ID, "error", err)
	}
}

// Get returns the task with id.
func (m *TaskManager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// List returns every task, newest first.
func (m *TaskManager) List() []*Task {
	m.mu.Lock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.After(out[j].createdAt) })
	return out
}

// Cancel asks a running task to stop.
func (m *TaskManager) Cancel(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTaskFinished
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.Tracker.SetMessage("cancelling")
	return nil
}

// Cleanup removes tasks that finished more than ttl before now, along with
// their directories. It returns how many were removed.
func (m *TaskManager) Cleanup(now time.Time) int {
	m.mu.Lock()
	var expired []*Task
	for id, t := range m.tasks {
		t.mu.Lock()
		old := t.status.Terminal() && now.Sub(t.finishedAt) > m.ttl
		t.mu.Unlock()
		if old {
			expired = append(expired, t)
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		if err := os.RemoveAll(t.Dir); err != nil {
			m.logger.Warn("failed to remove task directory", "task", t.ID, "error", err)
		}
	}
	if len(expired) > 0 {
		m.logger.Info("removed expired tasks", "count", len(expired))
	}
	return len(expired)
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (m *TaskManager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.Cleanup(now)
			}
		}
	}()
}

// Shutdown cancels every running task and waits for them, or for ctx.
func (m *TaskManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, t := range m.tasks {
		t.mu.Lock()
		if t.cancel != nil && !t.status.Terminal() {
			t.cancel()
		}
		t.mu.Unlock()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
