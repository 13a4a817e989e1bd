package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autosave/pkg/buffer"
	"autosave/pkg/checkpoint"
	"autosave/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrBusy is returned by Submit when the in-flight limit is reached
	ErrBusy = errors.New("checkpoint write already in flight")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("worker pool is shutting down")
)

// Processor performs one checkpoint job and reports what happened
type Processor interface {
	Process(ctx context.Context, job checkpoint.Job) checkpoint.Result
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, job checkpoint.Job) checkpoint.Result

func (f ProcessorFunc) Process(ctx context.Context, job checkpoint.Job) checkpoint.Result {
	return f(ctx, job)
}

// NewJob builds a checkpoint job with a fresh operation id
func NewJob(step int, snap buffer.Snapshot, final bool) checkpoint.Job {
	return checkpoint.Job{
		ID:        uuid.NewString(),
		Step:      step,
		Snapshot:  snap,
		Final:     final,
		CreatedAt: time.Now(),
	}
}

// WorkerPool runs checkpoint jobs on a small set of workers. A weighted
// semaphore caps how many jobs may be queued or running at once; with a
// limit of one, a second Submit fails with ErrBusy until the first job has
// been processed.
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan checkpoint.Job
	resultQueue chan checkpoint.Result
	inFlight    *semaphore.Weighted
	pending     atomic.Int64
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	processor   Processor
	logger      logger.Logger

	mu      sync.Mutex
	stopped bool
	idle    *sync.Cond
}

// NewWorkerPool creates a pool with numWorkers workers admitting at most
// maxInFlight jobs at a time
func NewWorkerPool(numWorkers, maxInFlight int, processor Processor, log logger.Logger) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	wp := &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan checkpoint.Job, maxInFlight),
		resultQueue: make(chan checkpoint.Result, maxInFlight*4),
		inFlight:    semaphore.NewWeighted(int64(maxInFlight)),
		ctx:         ctx,
		cancel:      cancel,
		processor:   processor,
		logger:      log.WithField("component", "workerpool"),
	}
	wp.idle = sync.NewCond(&wp.mu)
	return wp
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.logger.InfoWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop lets queued and running jobs finish, then shuts the workers down and
// closes the result channel
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
	close(wp.resultQueue)
	wp.cancel()

	wp.logger.Info("Worker pool stopped")
}

// Abort cancels the context handed to running jobs, then stops the pool
func (wp *WorkerPool) Abort() {
	wp.cancel()
	wp.Stop()
}

// Submit queues a job without blocking. It fails with ErrBusy when the
// in-flight limit is reached.
func (wp *WorkerPool) Submit(job checkpoint.Job) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped || wp.ctx.Err() != nil {
		return ErrStopped
	}
	if !wp.inFlight.TryAcquire(1) {
		return ErrBusy
	}

	select {
	case wp.jobQueue <- job:
		wp.pending.Add(1)
		wp.logger.DebugWithFields("Job submitted to queue", map[string]interface{}{
			"job_id": job.ID,
			"step":   job.Step,
		})
		return nil
	default:
		wp.inFlight.Release(1)
		return fmt.Errorf("%w: queue full", ErrBusy)
	}
}

// Results returns the channel completed jobs are reported on. It must be
// drained while the pool runs.
func (wp *WorkerPool) Results() <-chan checkpoint.Result {
	return wp.resultQueue
}

// InFlight returns the number of jobs queued or running
func (wp *WorkerPool) InFlight() int {
	return int(wp.pending.Load())
}

// WaitIdle blocks until no job is queued or running, or ctx is done
func (wp *WorkerPool) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		wp.mu.Lock()
		for wp.pending.Load() > 0 && ctx.Err() == nil {
			wp.idle.Wait()
		}
		wp.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		wp.mu.Lock()
		wp.idle.Broadcast()
		wp.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// worker is the main worker routine
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.logger.DebugWithFields("Worker started", map[string]interface{}{
		"worker_id": id,
	})

	for job := range wp.jobQueue {
		result := wp.processJob(job, id)

		// the slot is free once the job's effects are recorded, before
		// observers see the result
		wp.mu.Lock()
		wp.inFlight.Release(1)
		wp.pending.Add(-1)
		wp.idle.Broadcast()
		wp.mu.Unlock()

		select {
		case wp.resultQueue <- result:
		case <-wp.ctx.Done():
			wp.logger.DebugWithFields("Worker dropped result - context cancelled", map[string]interface{}{
				"worker_id": id,
				"job_id":    job.ID,
			})
		}
	}

	wp.logger.DebugWithFields("Worker stopping - job queue closed", map[string]interface{}{
		"worker_id": id,
	})
}

// processJob runs one job and times it
func (wp *WorkerPool) processJob(job checkpoint.Job, workerID int) checkpoint.Result {
	start := time.Now()

	wp.logger.DebugWithFields("Worker processing job", map[string]interface{}{
		"worker_id": workerID,
		"job_id":    job.ID,
		"step":      job.Step,
		"segments":  job.Snapshot.Segments,
	})

	result := wp.processor.Process(wp.ctx, job)
	if result.JobID == "" {
		result.JobID = job.ID
	}
	if result.Step == 0 {
		result.Step = job.Step
	}
	if result.WriteTime == 0 {
		result.WriteTime = time.Since(start)
	}

	fields := map[string]interface{}{
		"worker_id": workerID,
		"job_id":    job.ID,
		"outcome":   result.Outcome.String(),
		"duration":  time.Since(start).String(),
	}
	if result.Outcome.Durable() {
		wp.logger.DebugWithFields("Worker completed job", fields)
	} else {
		wp.logger.WithError(result.Err).WarnWithFields("Worker job did not complete", fields)
	}
	return result
}
