package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autosave/pkg/buffer"
	"autosave/pkg/checkpoint"
	"autosave/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// guardProcessor counts concurrent Process calls and remembers the peak
type guardProcessor struct {
	delay   time.Duration
	release chan struct{}
	err     error

	active    atomic.Int32
	peak      atomic.Int32
	processed atomic.Int32
}

func (g *guardProcessor) Process(ctx context.Context, job checkpoint.Job) checkpoint.Result {
	n := g.active.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer g.active.Add(-1)

	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.processed.Add(1)
	if g.err != nil {
		return checkpoint.Result{Outcome: checkpoint.OutcomeFailed, Err: g.err}
	}
	return checkpoint.Result{Outcome: checkpoint.OutcomeSuccess}
}

func drain(wp *WorkerPool) (*sync.WaitGroup, *[]checkpoint.Result) {
	var wg sync.WaitGroup
	var results []checkpoint.Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		for r := range wp.Results() {
			results = append(results, r)
		}
	}()
	return &wg, &results
}

func TestNewJob(t *testing.T) {
	a := NewJob(5, buffer.Snapshot{}, false)
	b := NewJob(5, buffer.Snapshot{}, true)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 5, a.Step)
	assert.True(t, b.Final)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestWorkerPoolProcessesJobs(t *testing.T) {
	proc := &guardProcessor{}
	wp := NewWorkerPool(2, 1, proc, logger.NewNopLogger())
	wp.Start()
	wg, results := drain(wp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for step := 1; step <= 5; step++ {
		require.NoError(t, wp.Submit(NewJob(step, buffer.Snapshot{}, false)))
		require.NoError(t, wp.WaitIdle(ctx))
	}
	wp.Stop()
	wg.Wait()

	assert.Equal(t, int32(5), proc.processed.Load())
	require.Len(t, *results, 5)
	for i, r := range *results {
		assert.Equal(t, i+1, r.Step)
		assert.NotEmpty(t, r.JobID)
		assert.Equal(t, checkpoint.OutcomeSuccess, r.Outcome)
	}
}

func TestWorkerPoolRejectsWhileInFlight(t *testing.T) {
	proc := &guardProcessor{release: make(chan struct{})}
	wp := NewWorkerPool(2, 1, proc, logger.NewNopLogger())
	wp.Start()
	wg, _ := drain(wp)

	require.NoError(t, wp.Submit(NewJob(1, buffer.Snapshot{}, false)))
	assert.Equal(t, 1, wp.InFlight())

	for i := 0; i < 10; i++ {
		err := wp.Submit(NewJob(2+i, buffer.Snapshot{}, false))
		assert.ErrorIs(t, err, ErrBusy)
	}

	close(proc.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wp.WaitIdle(ctx))
	assert.Equal(t, 0, wp.InFlight())

	// the slot is free again once the job completed
	require.NoError(t, wp.Submit(NewJob(20, buffer.Snapshot{}, false)))
	wp.Stop()
	wg.Wait()

	assert.Equal(t, int32(1), proc.peak.Load())
	assert.Equal(t, int32(2), proc.processed.Load())
}

func TestWorkerPoolConcurrentSubmitters(t *testing.T) {
	proc := &guardProcessor{delay: 2 * time.Millisecond}
	wp := NewWorkerPool(2, 1, proc, logger.NewNopLogger())
	wp.Start()
	wg, results := drain(wp)

	var accepted atomic.Int32
	var submitters sync.WaitGroup
	for g := 0; g < 8; g++ {
		submitters.Add(1)
		go func(g int) {
			defer submitters.Done()
			for i := 0; i < 50; i++ {
				if err := wp.Submit(NewJob(g*100+i+1, buffer.Snapshot{}, false)); err == nil {
					accepted.Add(1)
				} else if !errors.Is(err, ErrBusy) {
					t.Errorf("unexpected submit error: %v", err)
				}
				time.Sleep(time.Millisecond)
			}
		}(g)
	}
	submitters.Wait()
	wp.Stop()
	wg.Wait()

	if proc.peak.Load() > 1 {
		t.Errorf("expected at most one job in flight, saw %d", proc.peak.Load())
	}
	assert.Equal(t, accepted.Load(), proc.processed.Load())
	assert.Len(t, *results, int(accepted.Load()))
}

func TestWorkerPoolReportsFailures(t *testing.T) {
	proc := &guardProcessor{err: errors.New("disk on fire")}
	wp := NewWorkerPool(1, 1, proc, logger.NewNopLogger())
	wp.Start()
	wg, results := drain(wp)

	require.NoError(t, wp.Submit(NewJob(3, buffer.Snapshot{}, false)))
	wp.Stop()
	wg.Wait()

	require.Len(t, *results, 1)
	r := (*results)[0]
	assert.Equal(t, checkpoint.OutcomeFailed, r.Outcome)
	assert.Equal(t, 3, r.Step)
	assert.EqualError(t, r.Err, "disk on fire")
}

func TestWorkerPoolStop(t *testing.T) {
	proc := &guardProcessor{delay: 20 * time.Millisecond}
	wp := NewWorkerPool(1, 1, proc, logger.NewNopLogger())
	wp.Start()
	wg, _ := drain(wp)

	require.NoError(t, wp.Submit(NewJob(1, buffer.Snapshot{}, false)))
	wp.Stop()
	wg.Wait()

	// queued work finishes before Stop returns
	assert.Equal(t, int32(1), proc.processed.Load())
	assert.ErrorIs(t, wp.Submit(NewJob(2, buffer.Snapshot{}, false)), ErrStopped)

	// stopping twice is harmless
	wp.Stop()
}

func TestWorkerPoolWaitIdleHonoursContext(t *testing.T) {
	proc := &guardProcessor{release: make(chan struct{})}
	wp := NewWorkerPool(1, 1, proc, logger.NewNopLogger())
	wp.Start()
	wg, _ := drain(wp)

	require.NoError(t, wp.Submit(NewJob(1, buffer.Snapshot{}, false)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, wp.WaitIdle(ctx), context.DeadlineExceeded)

	close(proc.release)
	wp.Stop()
	wg.Wait()
}
