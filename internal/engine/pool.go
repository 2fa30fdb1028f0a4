package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Task is one unit of work for a Pool.
type Task struct {
	Name string // for logging
	Run  func(ctx context.Context) error
}

// TaskResult is the outcome of one Task.
type TaskResult struct {
	Name  string
	Err   error
	index int // Internal: used to maintain result order
}

// Pool runs tasks on a fixed number of worker goroutines.
type Pool struct {
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool with the specified number of worker goroutines.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers: workers,
		logger:  logger,
	}
}

// Execute runs every task and waits for all of them. Results keep the
// order of the input. Once ctx is cancelled, tasks not yet started are
// reported with ctx.Err() instead of being run.
func (p *Pool) Execute(ctx context.Context, tasks []Task) []TaskResult {
	if len(tasks) == 0 {
		return []TaskResult{}
	}

	tasksChan := make(chan taskWithIndex, len(tasks))
	resultsChan := make(chan TaskResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < min(p.workers, len(tasks)); i++ {
		wg.Add(1)
		go p.worker(ctx, tasksChan, resultsChan, &wg)
	}

	for i, task := range tasks {
		tasksChan <- taskWithIndex{task: task, index: i}
	}
	close(tasksChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]TaskResult, 0, len(tasks))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})
	return results
}

type taskWithIndex struct {
	task  Task
	index int
}

func (p *Pool) worker(ctx context.Context, tasksChan <-chan taskWithIndex, resultsChan chan<- TaskResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for t := range tasksChan {
		result := TaskResult{Name: t.task.Name, index: t.index}
		if err := ctx.Err(); err != nil {
			result.Err = err
			resultsChan <- result
			continue
		}

		result.Err = t.task.Run(ctx)
		if result.Err != nil {
			p.logger.Debug("pool task failed", "task", t.task.Name, "error", result.Err)
		}
		resultsChan <- result
	}
}
