package history

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Throttler gates every page read behind a global per-minute rate, spaced
// evenly across the minute, and a global cap on requests in flight.
type Throttler struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// NewThrottler builds a throttler. Non-positive values disable the matching limit.
func NewThrottler(maxParallelism, maxPerMinute int) *Throttler {
	t := &Throttler{}
	if maxPerMinute > 0 {
		// burst 1 keeps any minute-long window at maxPerMinute admissions
		t.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxPerMinute)), 1)
	}
	if maxParallelism > 0 {
		t.sem = semaphore.NewWeighted(int64(maxParallelism))
	}
	return t
}

// Acquire waits for a rate token and a parallelism slot. The returned
// function releases the slot.
func (t *Throttler) Acquire(ctx context.Context) (func(), error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		return func() { t.sem.Release(1) }, nil
	}
	return func() {}, nil
}

// Counter bounds the number of continuation points held open at once.
type Counter interface {
	Acquire(ctx context.Context) error
	Release()
}

// DefaultMaxNodeParallelism is used when no continuation point limit is configured.
const DefaultMaxNodeParallelism = 1000

type semCounter struct {
	sem  *semaphore.Weighted
	open atomic.Int64
}

// NewCounter returns a counting semaphore of size k.
func NewCounter(k int) Counter {
	if k <= 0 {
		k = DefaultMaxNodeParallelism
	}
	return &semCounter{sem: semaphore.NewWeighted(int64(k))}
}

func (c *semCounter) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.open.Add(1)
	return nil
}

func (c *semCounter) Release() {
	c.open.Add(-1)
	c.sem.Release(1)
}

// Open returns the number of slots currently held.
func (c *semCounter) Open() int64 { return c.open.Load() }
