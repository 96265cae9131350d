// Package workers sizes and owns the CPU worker pool.  The pool leaves
// ReservedIOThreads of the available parallelism to the host's I/O work.
package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// submitAttempts bounds how often a submission follows a pool swapped out by
// Reset before giving up.
const submitAttempts = 3

// Coordinator computes the worker count and lazily creates the pool.  The
// pool is built on the first call to Pool and reused until Reset.
type Coordinator struct {
	mu          sync.Mutex
	reserved    int
	queueSize   int
	parallelism func() int
	pool        *Pool
	logger      core.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithParallelism replaces CPU detection.
func WithParallelism(fn func() int) Option {
	return func(c *Coordinator) { c.parallelism = fn }
}

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator returns a coordinator reserving reserved threads for I/O.
func NewCoordinator(reserved, queueSize int, opts ...Option) *Coordinator {
	c := &Coordinator{
		reserved:    max(reserved, 0),
		queueSize:   queueSize,
		parallelism: AvailableParallelism,
		logger:      core.NopLogger{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WorkerCount returns max(1, available parallelism - reserved).
func (c *Coordinator) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerCount()
}

func (c *Coordinator) workerCount() int {
	return max(1, c.parallelism()-c.reserved)
}

// Reserved returns the number of threads left to I/O.
func (c *Coordinator) Reserved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved
}

// SetReserved changes the reservation.  A running pool keeps its size until
// Reset.
func (c *Coordinator) SetReserved(n int) {
	c.mu.Lock()
	c.reserved = max(n, 0)
	c.mu.Unlock()
}

// Pool returns the worker pool, creating it on first use.
func (c *Coordinator) Pool() *Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		n := c.workerCount()
		c.pool = newPool(n, c.queueSize)
		c.logger.Debug("worker pool started", "workers", n, "reserved", c.reserved)
	}
	return c.pool
}

// Submit enqueues task on the current pool without blocking.  A pool
// retired by a concurrent Reset is replaced transparently.
func (c *Coordinator) Submit(ctx context.Context, task Task) error {
	return c.submit(func(p *Pool) error { return p.Submit(ctx, task) })
}

// SubmitWait is Submit with back-pressure: it waits for queue space until
// ctx is done.
func (c *Coordinator) SubmitWait(ctx context.Context, task Task) error {
	return c.submit(func(p *Pool) error { return p.SubmitWait(ctx, task) })
}

func (c *Coordinator) submit(fn func(*Pool) error) error {
	var err error
	for i := 0; i < submitAttempts; i++ {
		if err = fn(c.Pool()); !errors.Is(err, apperrors.ErrPoolClosed) {
			return err
		}
		c.logger.Debug("worker pool replaced during submit, retrying", "attempt", i+1)
	}
	return err
}

// Started reports whether the pool exists.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool != nil
}

// Reset drains and drops the pool; the next Pool call sizes a new one.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	p := c.pool
	c.pool = nil
	c.mu.Unlock()
	if p != nil {
		p.Shutdown()
		c.logger.Debug("worker pool reset")
	}
}

// Shutdown drains the pool.  A later Pool call starts a fresh one.
func (c *Coordinator) Shutdown() { c.Reset() }
