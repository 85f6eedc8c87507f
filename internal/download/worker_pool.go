package download

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Job is a unit of work. The worker id identifies the executing worker
// so jobs can reuse per-worker resources (the sticky proxy client).
type Job func(ctx context.Context, workerID string) error

// WorkerPool runs jobs on a bounded set of workers. Pool size is fixed
// at construction.
type WorkerPool struct {
	workerCount int
	jobQueue    chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	closeMux    sync.Mutex
}

// NewWorkerPool creates a pool bound to ctx with the given number of
// workers.
func NewWorkerPool(ctx context.Context, workerCount int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		workerCount: workerCount,
		jobQueue:    make(chan Job, workerCount*2),
		ctx:         poolCtx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(fmt.Sprintf("worker-%d", i))
	}
}

// Submit queues a job, dropping it if the pool is shutting down.
func (wp *WorkerPool) Submit(job Job) {
	select {
	case wp.jobQueue <- job:
	case <-wp.ctx.Done():
		log.Println("[WorkerPool] Pool shutting down, job not submitted")
	}
}

// Wait closes the queue and blocks until all queued jobs finish.
func (wp *WorkerPool) Wait() {
	wp.closeMux.Lock()
	if !wp.closed {
		close(wp.jobQueue)
		wp.closed = true
	}
	wp.closeMux.Unlock()

	wp.wg.Wait()
}

// Shutdown cancels in-flight jobs and waits for the workers to exit.
func (wp *WorkerPool) Shutdown() {
	wp.cancel()
	wp.Wait()
}

func (wp *WorkerPool) worker(id string) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		select {
		case <-wp.ctx.Done():
			return
		default:
		}

		if err := job(wp.ctx, id); err != nil {
			log.Printf("[WorkerPool] %s job error: %v", id, err)
		}
	}
}
