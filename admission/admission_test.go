package admission

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

func TestEstimate(t *testing.T) {
	d := core.Dimensions{Width: 1000, Height: 500}

	e := EstimateHeader(d, core.FormatJPEG)
	assert.EqualValues(t, 1000*500*3+FixedOverhead, e.Bytes)
	assert.False(t, e.Exact)

	e = EstimateDecoded(d, core.FormatPNG)
	assert.EqualValues(t, 1000*500*4+FixedOverhead, e.Bytes)
	assert.True(t, e.Exact)

	assert.Equal(t, 4, BytesPerPixel(core.FormatWebP))
	assert.Equal(t, d, Largest(core.Dimensions{Width: 10, Height: 10}, d, core.Dimensions{Width: 700, Height: 700}))
}

func TestNewGate_Misconfigured(t *testing.T) {
	for _, c := range []int64{0, -1} {
		_, err := NewGate(c)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeAdmissionMisconfigured))
		assert.True(t, apperrors.IsCategory(err, apperrors.CategoryResource))
	}
}

func TestGate_AcquireRelease(t *testing.T) {
	g, err := NewGate(100)
	require.NoError(t, err)

	p1, err := g.Acquire(context.Background(), 60)
	require.NoError(t, err)
	assert.EqualValues(t, 60, g.InUse())

	_, ok := g.TryAcquire(50)
	assert.False(t, ok)

	p2, ok := g.TryAcquire(40)
	require.True(t, ok)
	assert.EqualValues(t, 100, g.InUse())

	p1.Release()
	p1.Release() // idempotent
	assert.EqualValues(t, 40, g.InUse())
	p2.Release()
	assert.Zero(t, g.InUse())
	assert.EqualValues(t, 100, g.Stats().Peak)
}

func TestGate_OversizedRequestIsClamped(t *testing.T) {
	g, _ := NewGate(100)
	held, _ := g.Acquire(context.Background(), 10)

	done := make(chan *Permit)
	go func() {
		p, err := g.Acquire(context.Background(), 1000)
		assert.NoError(t, err)
		done <- p
	}()

	select {
	case <-done:
		t.Fatal("oversized request admitted while budget was in use")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()
	select {
	case p := <-done:
		assert.EqualValues(t, 100, p.Weight())
		assert.EqualValues(t, 1, g.Stats().Clamped)
		p.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("oversized request starved")
	}
}

func TestGate_FIFOBlocksLaterSmallRequests(t *testing.T) {
	g, _ := NewGate(100)
	held, _ := g.Acquire(context.Background(), 60)

	big := make(chan *Permit)
	go func() {
		p, _ := g.Acquire(context.Background(), 80)
		big <- p
	}()
	require.Eventually(t, func() bool { return g.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	_, ok := g.TryAcquire(10)
	assert.False(t, ok, "small request must not overtake a queued waiter")

	held.Release()
	p := <-big
	assert.EqualValues(t, 80, p.Weight())
	p.Release()
}

func TestGate_CancelWhileWaiting(t *testing.T) {
	g, _ := NewGate(10)
	held, _ := g.Acquire(context.Background(), 10)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, err := g.Acquire(ctx, 5)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return g.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCancelled))
	assert.Zero(t, g.Stats().Waiting)
	assert.EqualValues(t, 10, g.InUse(), "cancelled waiter must not leak budget")
}

func TestGate_ReconfigureWakesWaiters(t *testing.T) {
	g, _ := NewGate(10)
	held, _ := g.Acquire(context.Background(), 10)
	defer held.Release()

	done := make(chan struct{})
	go func() {
		p, err := g.Acquire(context.Background(), 10)
		assert.NoError(t, err)
		p.Release()
		close(done)
	}()
	require.Eventually(t, func() bool { return g.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	require.Error(t, g.Reconfigure(0))
	require.NoError(t, g.Reconfigure(20))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not admitted after capacity grew")
	}
}

func TestGate_Close(t *testing.T) {
	g, _ := NewGate(10)
	held, _ := g.Acquire(context.Background(), 10)

	errCh := make(chan error)
	go func() {
		_, err := g.Acquire(context.Background(), 1)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return g.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	g.Close()
	assert.ErrorIs(t, <-errCh, apperrors.ErrGateClosed)

	held.Release()
	_, err := g.Acquire(context.Background(), 1)
	assert.ErrorIs(t, err, apperrors.ErrGateClosed)
}

// Randomised concurrent acquire/release sequences never over-commit.
func TestGate_NeverOvercommits(t *testing.T) {
	const capacity = 1000
	g, _ := NewGate(capacity)

	var (
		outstanding atomic.Int64
		violations  atomic.Int64
		wg          sync.WaitGroup
	)
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				weight := rng.Int63n(capacity * 3 / 2)
				ctx, cancel := context.WithTimeout(context.Background(), time.Duration(rng.Intn(5))*time.Millisecond)
				p, err := g.Acquire(ctx, weight)
				cancel()
				if err != nil {
					continue
				}
				if outstanding.Add(p.Weight()) > capacity {
					violations.Add(1)
				}
				if rng.Intn(2) == 0 {
					time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
				}
				outstanding.Add(-p.Weight())
				p.Release()
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	s := g.Stats()
	assert.Zero(t, s.InUse)
	assert.Zero(t, s.Waiting)
	assert.LessOrEqual(t, s.Peak, int64(capacity))
}
