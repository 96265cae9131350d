package workers

import (
	"context"
	"sync"
	"sync/atomic"

	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// Task is a unit of CPU work run on the pool.
type Task func(ctx context.Context)

type job struct {
	ctx  context.Context
	task Task
}

// Pool is a fixed-size worker pool fed by a bounded job queue.  It is safe
// for concurrent use.
type Pool struct {
	size int
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex // guards jobs against send-after-close
	closed bool

	completed atomic.Int64
	inFlight  atomic.Int64
}

func newPool(size, queueSize int) *Pool {
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pool{size: size, jobs: make(chan job, queueSize)}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Submit enqueues task without blocking.  It returns ErrWorkerPoolFull when
// the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return apperrors.New(apperrors.CodeCancelled, "pool.submit", apperrors.ErrPoolClosed)
	}
	select {
	case p.jobs <- job{ctx: ctx, task: task}:
		return nil
	default:
		return apperrors.New(apperrors.CodeCancelled, "pool.submit", apperrors.ErrWorkerPoolFull).
			WithHint("raise QueueSize or submit with back-pressure")
	}
}

// SubmitWait enqueues task, waiting for queue space until ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return apperrors.New(apperrors.CodeCancelled, "pool.submit", apperrors.ErrPoolClosed)
	}
	select {
	case p.jobs <- job{ctx: ctx, task: task}:
		return nil
	case <-ctx.Done():
		return apperrors.New(apperrors.CodeCancelled, "pool.submit", ctx.Err())
	}
}

// Completed returns the number of tasks that have finished.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Shutdown stops accepting work, runs everything already queued and waits
// for the workers to exit.  It is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.inFlight.Add(1)
		j.task(j.ctx)
		p.inFlight.Add(-1)
		p.completed.Add(1)
	}
}
