package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned when every queued slot is taken
	ErrQueueFull = errors.New("worker queue is full")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("worker pool is stopped")
)

// ExecutorFunc processes one job
type ExecutorFunc func(ctx context.Context, job Job)

// WorkerPool manages a pool of worker goroutines for concurrent job execution
type WorkerPool struct {
	workers    int
	jobs       chan Job
	executorFn ExecutorFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	stopped    bool
	active     atomic.Int32
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workers int, jobQueueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if jobQueueSize < 0 {
		jobQueueSize = 0
	}
	return &WorkerPool{
		workers: workers,
		jobs:    make(chan Job, jobQueueSize),
	}
}

// SetExecutor sets the executor function that will process jobs
func (wp *WorkerPool) SetExecutor(fn ExecutorFunc) {
	wp.executorFn = fn
}

// Start starts the worker pool
func (wp *WorkerPool) Start() {
	slog.Info("Starting worker pool", "workers", wp.workers, "queue_size", cap(wp.jobs))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop stops accepting jobs and waits for queued and running jobs to finish.
// Running jobs are never cancelled.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	slog.Info("Stopping worker pool", "queued_jobs", len(wp.jobs))
	wp.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit queues a job without blocking the caller
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrStopped
	}

	select {
	case wp.jobs <- job:
		slog.Debug("Job submitted to worker pool",
			"check_id", checkID(job),
			"correlation_id", job.CorrelationID,
		)
		return nil
	default:
		return fmt.Errorf("failed to submit %s: %w", checkID(job), ErrQueueFull)
	}
}

// worker is the worker goroutine that processes jobs
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	slog.Debug("Worker started", "worker_id", id)

	for job := range wp.jobs {
		wp.run(id, job)
	}

	slog.Debug("Worker stopped", "worker_id", id)
}

// run executes one job, turning a panic into a logged no-result
func (wp *WorkerPool) run(id int, job Job) {
	wp.active.Add(1)
	defer wp.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job panicked",
				"worker_id", id,
				"check_id", checkID(job),
				"correlation_id", job.CorrelationID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	ctx := job.Context
	if ctx == nil {
		ctx = context.Background()
	}
	wp.executorFn(ctx, job)
}

// GetJobQueueLength returns the current number of jobs in the queue
func (wp *WorkerPool) GetJobQueueLength() int {
	return len(wp.jobs)
}

// Active returns the number of jobs currently executing
func (wp *WorkerPool) Active() int {
	return int(wp.active.Load())
}

// Size returns the number of workers
func (wp *WorkerPool) Size() int {
	return wp.workers
}

func checkID(job Job) string {
	if job.Check == nil {
		return "maintenance"
	}
	return job.Check.CheckID
}
