// Package history replays server-side history for extraction states under
// global concurrency, rate and continuation point limits.
package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// ReadType selects the direction and payload of a history run.
type ReadType int

const (
	FrontfillData ReadType = iota
	BackfillData
	FrontfillEvents
	BackfillEvents
)

func (t ReadType) String() string {
	switch t {
	case BackfillData:
		return "backfill_data"
	case FrontfillEvents:
		return "frontfill_events"
	case BackfillEvents:
		return "backfill_events"
	default:
		return "frontfill_data"
	}
}

func (t ReadType) events() bool   { return t == FrontfillEvents || t == BackfillEvents }
func (t ReadType) backfill() bool { return t == BackfillData || t == BackfillEvents }

// Config holds the scheduler limits.
type Config struct {
	MaxParallelism     int           `yaml:"max_parallelism"`
	MaxPerMinute       int           `yaml:"max_per_minute"`
	MaxNodeParallelism int           `yaml:"max_node_parallelism"`
	PageSize           int           `yaml:"page_size"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RetryInitial       time.Duration `yaml:"retry_initial"`
	RetryMax           time.Duration `yaml:"retry_max"`
	// StartTime is the earliest instant backfill reads down to.
	StartTime      time.Time     `yaml:"start_time"`
	ReleaseTimeout time.Duration `yaml:"release_timeout"`
}

// ApplyDefaults fills unset limits.
func (c *Config) ApplyDefaults() {
	if c.MaxNodeParallelism <= 0 {
		c.MaxNodeParallelism = DefaultMaxNodeParallelism
	}
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
}

// RunResult counts terminal statuses of one run.
type RunResult struct {
	Completed int
	Failed    int
	Cancelled int
	FailedIDs []string
}

type status int

const (
	statusCompleted status = iota
	statusFailed
	statusCancelled
)

// DataHandler receives every page of data points before the state's mark
// moves. An error fails the state without advancing it.
type DataHandler func(ctx context.Context, state *domain.ExtractionState, points []domain.DataPoint) error

// EventHandler is the event equivalent of DataHandler.
type EventHandler func(ctx context.Context, state *domain.ExtractionState, events []domain.Event) error

// Reader schedules paged history reads.
type Reader struct {
	src      ports.HistorySource
	cfg      Config
	throttle *Throttler
	counter  Counter
	obs      ports.Observability
	ops      *opWaiter
	open     atomic.Int64

	mu      sync.Mutex
	nextRun int
	cancels map[int]context.CancelFunc
}

type Option func(*Reader)

// WithCounter replaces the continuation point counter.
func WithCounter(c Counter) Option {
	return func(r *Reader) { r.counter = c }
}

func WithObservability(obs ports.Observability) Option {
	return func(r *Reader) {
		if obs != nil {
			r.obs = obs
		}
	}
}

func NewReader(src ports.HistorySource, cfg Config, opts ...Option) *Reader {
	cfg.ApplyDefaults()
	r := &Reader{
		src:      src,
		cfg:      cfg,
		throttle: NewThrottler(cfg.MaxParallelism, cfg.MaxPerMinute),
		obs:      observability.Nop(),
		ops:      newOpWaiter(),
		cancels:  make(map[int]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.counter == nil {
		r.counter = NewCounter(cfg.MaxNodeParallelism)
	}
	return r
}

func (r *Reader) FrontfillData(ctx context.Context, states []*domain.ExtractionState, h DataHandler) RunResult {
	return r.run(ctx, FrontfillData, states, h, nil)
}

func (r *Reader) BackfillData(ctx context.Context, states []*domain.ExtractionState, h DataHandler) RunResult {
	return r.run(ctx, BackfillData, states, h, nil)
}

func (r *Reader) FrontfillEvents(ctx context.Context, states []*domain.ExtractionState, h EventHandler) RunResult {
	return r.run(ctx, FrontfillEvents, states, nil, h)
}

func (r *Reader) BackfillEvents(ctx context.Context, states []*domain.ExtractionState, h EventHandler) RunResult {
	return r.run(ctx, BackfillEvents, states, nil, h)
}

// Terminate cancels every running read and waits up to timeout for them to
// release their resources. It reports whether shutdown finished in time.
func (r *Reader) Terminate(ctx context.Context, timeout time.Duration) bool {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.ops.done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Reader) register(cancel context.CancelFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRun++
	r.cancels[r.nextRun] = cancel
	return r.nextRun
}

func (r *Reader) unregister(id int) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

func complete(rt ReadType, s *domain.ExtractionState) bool {
	if rt.backfill() {
		return s.BackfillComplete()
	}
	return s.FrontfillComplete()
}

func (r *Reader) run(ctx context.Context, rt ReadType, states []*domain.ExtractionState, dh DataHandler, eh EventHandler) RunResult {
	r.ops.begin()
	defer r.ops.end()

	runCtx, cancel := context.WithCancel(ctx)
	id := r.register(cancel)
	defer r.unregister(id)
	defer cancel()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res RunResult
	)
	record := func(s *domain.ExtractionState, st status) {
		mu.Lock()
		defer mu.Unlock()
		switch st {
		case statusCompleted:
			res.Completed++
		case statusFailed:
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, s.ID)
		case statusCancelled:
			res.Cancelled++
		}
	}

	for i, s := range states {
		if complete(rt, s) {
			record(s, statusCompleted)
			continue
		}
		if err := r.counter.Acquire(runCtx); err != nil {
			for _, rest := range states[i:] {
				if !complete(rt, rest) {
					record(rest, statusCancelled)
				}
			}
			break
		}
		r.obs.SetGauge(observability.GaugeContinuationsOpen, float64(r.open.Add(1)))

		wg.Add(1)
		go func(s *domain.ExtractionState) {
			defer wg.Done()
			defer func() {
				r.counter.Release()
				r.obs.SetGauge(observability.GaugeContinuationsOpen, float64(r.open.Add(-1)))
			}()
			record(s, r.readState(runCtx, rt, s, dh, eh))
		}(s)
	}
	wg.Wait()

	r.obs.LogInfo("history_run_complete",
		ports.Field{Key: "type", Value: rt.String()},
		ports.Field{Key: "completed", Value: res.Completed},
		ports.Field{Key: "failed", Value: res.Failed},
		ports.Field{Key: "cancelled", Value: res.Cancelled})
	return res
}

func (r *Reader) request(rt ReadType, s *domain.ExtractionState) ports.HistoryRequest {
	req := ports.HistoryRequest{NodeID: s.NodeID, PageSize: r.cfg.PageSize}
	if rt.backfill() {
		req.Start = s.BackfillTimestamp()
		req.End = r.cfg.StartTime
	} else {
		req.Start = s.SourceTimestamp()
	}
	return req
}

// readState paginates one state to completion. The request details stay
// fixed across pages; only the continuation point changes.
func (r *Reader) readState(ctx context.Context, rt ReadType, s *domain.ExtractionState, dh DataHandler, eh EventHandler) status {
	base := r.request(rt, s)
	if rt.backfill() && !base.Start.After(base.End) {
		s.SetBackfillComplete(true)
		return statusCompleted
	}

	var cp []byte
	for {
		if ctx.Err() != nil {
			r.release(ctx, rt, s, cp)
			return statusCancelled
		}

		req := base
		req.Continuation = cp

		var (
			data   ports.HistoryDataPage
			events ports.HistoryEventPage
		)
		start := time.Now()
		err := r.retry(ctx, s, func(ctx context.Context) error {
			release, err := r.throttle.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()
			if rt.events() {
				events, err = r.src.HistoryReadEvents(ctx, req)
			} else {
				data, err = r.src.HistoryReadData(ctx, req)
			}
			return err
		})
		r.obs.ObserveLatency(observability.LatencyHistoryPage, time.Since(start).Seconds())

		if err != nil {
			r.release(ctx, rt, s, cp)
			if ctx.Err() != nil {
				return statusCancelled
			}
			r.obs.LogError("history_read_failed", err,
				ports.Field{Key: "state", Value: s.ID},
				ports.Field{Key: "type", Value: rt.String()})
			r.obs.IncCounter(observability.MetricHistoryFailures, 1)
			return statusFailed
		}

		next := data.Continuation
		if rt.events() {
			next = events.Continuation
		}
		// a page read after cancellation is discarded
		if ctx.Err() != nil {
			r.release(ctx, rt, s, next)
			return statusCancelled
		}

		var applyErr error
		if rt.events() {
			applyErr = r.applyEvents(ctx, rt, s, events.Events, eh)
		} else {
			applyErr = r.applyData(ctx, rt, s, data.Values, dh)
		}
		if applyErr != nil {
			r.release(ctx, rt, s, next)
			if ctx.Err() != nil {
				return statusCancelled
			}
			r.obs.LogError("history_page_rejected", applyErr, ports.Field{Key: "state", Value: s.ID})
			r.obs.IncCounter(observability.MetricHistoryFailures, 1)
			return statusFailed
		}
		r.obs.IncCounter(observability.MetricHistoryPages, 1)

		if len(next) == 0 {
			if rt.backfill() {
				s.SetBackfillComplete(true)
			} else {
				s.SetFrontfillComplete(true)
			}
			return statusCompleted
		}
		cp = next
	}
}

func (r *Reader) applyData(ctx context.Context, rt ReadType, s *domain.ExtractionState, values []ports.RawValue, h DataHandler) error {
	if len(values) == 0 {
		return nil
	}
	points := make([]domain.DataPoint, 0, len(values))
	first, last := values[0].Timestamp, values[0].Timestamp
	for _, v := range values {
		points = append(points, domain.PointFromValue(s.ID, v.Timestamp, v.Value, s.IsString))
		if v.Timestamp.Before(first) {
			first = v.Timestamp
		}
		if v.Timestamp.After(last) {
			last = v.Timestamp
		}
	}
	if h != nil {
		if err := h(ctx, s, points); err != nil {
			return err
		}
	}
	advance(rt, s, first, last)
	return nil
}

func (r *Reader) applyEvents(ctx context.Context, rt ReadType, s *domain.ExtractionState, events []domain.Event, h EventHandler) error {
	if len(events) == 0 {
		return nil
	}
	first, last := events[0].Time, events[0].Time
	for _, e := range events {
		if e.Time.Before(first) {
			first = e.Time
		}
		if e.Time.After(last) {
			last = e.Time
		}
	}
	if h != nil {
		if err := h(ctx, s, events); err != nil {
			return err
		}
	}
	advance(rt, s, first, last)
	return nil
}

func advance(rt ReadType, s *domain.ExtractionState, first, last time.Time) {
	if rt.backfill() {
		s.AdvanceBackfill(first)
		return
	}
	s.AdvanceFrontfill(last)
}

func (r *Reader) retry(ctx context.Context, s *domain.ExtractionState, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.RetryInitial
	bo.MaxInterval = r.cfg.RetryMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err != nil && ports.IsTerminal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.obs.LogDebug("history_read_retry",
				ports.Field{Key: "state", Value: s.ID},
				ports.Field{Key: "error", Value: err.Error()},
				ports.Field{Key: "wait", Value: wait.String()})
		}))
	return err
}

// release frees a server-side continuation point on a context that survives
// the run's cancellation.
func (r *Reader) release(ctx context.Context, rt ReadType, s *domain.ExtractionState, cp []byte) {
	if len(cp) == 0 {
		return
	}
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReleaseTimeout)
	defer cancel()
	if err := r.src.ReleaseContinuation(relCtx, s.NodeID, cp, rt.events()); err != nil {
		r.obs.LogDebug("continuation_release_failed",
			ports.Field{Key: "state", Value: s.ID},
			ports.Field{Key: "error", Value: err.Error()})
	}
}
