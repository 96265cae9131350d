package admission

import (
	"context"
	"sync"

	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// Gate is a weighted semaphore over a memory budget in bytes.  Waiters are
// admitted in arrival order so a large request cannot be starved by a
// stream of small ones.  It is safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int64
	inUse    int64
	closed   bool

	queue  []*waiter
	stats  Stats
	nextID uint64
}

type waiter struct {
	id     uint64
	weight int64
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	Capacity  int64
	InUse     int64
	Peak      int64
	Waiting   int
	Acquired  uint64
	Cancelled uint64
	Clamped   uint64
}

// NewGate returns a gate with the given capacity in bytes.
func NewGate(capacity int64) (*Gate, error) {
	if err := checkCapacity(capacity); err != nil {
		return nil, err
	}
	g := &Gate{capacity: capacity}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

func checkCapacity(capacity int64) error {
	if capacity <= 0 {
		return apperrors.Newf(apperrors.CodeAdmissionMisconfigured, "admission.gate",
			"memory budget must be positive, got %d", capacity).
			WithHint("set a positive memory budget")
	}
	return nil
}

// Acquire blocks until weight bytes of budget are free, then debits them.
// A weight above capacity is clamped to capacity.  Only the calling
// goroutine is suspended while waiting.
func (g *Gate) Acquire(ctx context.Context, weight int64) (*Permit, error) {
	const op = "admission.acquire"
	if weight < 0 {
		return nil, apperrors.Newf(apperrors.CodeInvalidParameter, op, "negative weight %d", weight)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, op, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, apperrors.New(apperrors.CodeCancelled, op, apperrors.ErrGateClosed)
	}

	w := &waiter{id: g.nextID, weight: weight}
	g.nextID++
	g.queue = append(g.queue, w)

	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	for {
		if g.closed {
			g.dequeue(w)
			return nil, apperrors.New(apperrors.CodeCancelled, op, apperrors.ErrGateClosed)
		}
		if err := ctx.Err(); err != nil {
			g.dequeue(w)
			g.stats.Cancelled++
			return nil, apperrors.New(apperrors.CodeCancelled, op, err)
		}
		eff := min(w.weight, g.capacity)
		if g.queue[0] == w && g.inUse+eff <= g.capacity {
			g.dequeue(w)
			if eff < w.weight {
				g.stats.Clamped++
			}
			return g.grant(eff), nil
		}
		g.cond.Wait()
	}
}

// TryAcquire debits weight without waiting.  It fails when other callers are
// queued or the budget is not free.
func (g *Gate) TryAcquire(weight int64) (*Permit, bool) {
	if weight < 0 {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	eff := min(weight, g.capacity)
	if g.closed || len(g.queue) > 0 || g.inUse+eff > g.capacity {
		return nil, false
	}
	if eff < weight {
		g.stats.Clamped++
	}
	return g.grant(eff), true
}

// grant must be called with g.mu held.
func (g *Gate) grant(weight int64) *Permit {
	g.inUse += weight
	g.stats.Acquired++
	if g.inUse > g.stats.Peak {
		g.stats.Peak = g.inUse
	}
	// The next waiter in line may fit as well.
	g.cond.Broadcast()
	return &Permit{gate: g, weight: weight}
}

// dequeue must be called with g.mu held.
func (g *Gate) dequeue(w *waiter) {
	for i, q := range g.queue {
		if q == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
	g.cond.Broadcast()
}

func (g *Gate) release(weight int64) {
	g.mu.Lock()
	g.inUse -= weight
	if g.inUse < 0 {
		g.inUse = 0
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Reconfigure changes the capacity.  Shrinking below the current usage does
// not revoke outstanding permits; new requests wait until usage drains.
func (g *Gate) Reconfigure(capacity int64) error {
	if err := checkCapacity(capacity); err != nil {
		return err
	}
	g.mu.Lock()
	g.capacity = capacity
	g.cond.Broadcast()
	g.mu.Unlock()
	return nil
}

// Close fails all current and future Acquire calls.  Outstanding permits
// may still be released.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Capacity returns the configured budget.
func (g *Gate) Capacity() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

// InUse returns the sum of outstanding permit weights.
func (g *Gate) InUse() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.Capacity = g.capacity
	s.InUse = g.inUse
	s.Waiting = len(g.queue)
	return s
}

// Permit is a lease on part of the gate's budget.  Release is idempotent;
// callers defer it right after a successful Acquire.
type Permit struct {
	gate   *Gate
	weight int64
	once   sync.Once
}

// Weight returns the number of bytes debited (after clamping).
func (p *Permit) Weight() int64 {
	if p == nil {
		return 0
	}
	return p.weight
}

// Release returns the permit's weight to the gate.  Safe on a nil permit.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.gate.release(p.weight) })
}
