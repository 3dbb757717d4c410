// Package push fans metadata and telemetry out to every configured sink.
package push

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/reconcile"
)

// DefaultTimeout bounds one push call against one sink.
const DefaultTimeout = 30 * time.Second

// Results maps sink name to the outcome of one call.
type Results map[string]ports.PushResult

// OK reports whether no sink failed.
func (r Results) OK() bool {
	for _, res := range r {
		if res == ports.PushFailed {
			return false
		}
	}
	return true
}

// Failed lists the sinks that failed, sorted by name.
func (r Results) Failed() []string {
	var out []string
	for name, res := range r {
		if res == ports.PushFailed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r Results) anyOf(want ports.PushResult) bool {
	for _, res := range r {
		if res == want {
			return true
		}
	}
	return false
}

// Dispatcher drives all sinks concurrently. A sink whose node synchronization
// fails keeps the input as pending until RetryPending succeeds.
type Dispatcher struct {
	sinks   []ports.Sink
	timeout time.Duration
	obs     ports.Observability

	mu      sync.Mutex
	pending map[string]*reconcile.PusherInput
}

type Option func(*Dispatcher)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func WithObservability(obs ports.Observability) Option {
	return func(x *Dispatcher) {
		if obs != nil {
			x.obs = obs
		}
	}
}

func NewDispatcher(sinks []ports.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		timeout: DefaultTimeout,
		obs:     observability.Nop(),
		pending: make(map[string]*reconcile.PusherInput),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sinks returns the configured sinks.
func (d *Dispatcher) Sinks() []ports.Sink { return d.sinks }

func (d *Dispatcher) fanOut(ctx context.Context, op string, fn func(context.Context, ports.Sink) ports.PushResult) Results {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(Results, len(d.sinks))
	)
	for _, s := range d.sinks {
		wg.Add(1)
		go func(s ports.Sink) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			start := time.Now()
			res := fn(callCtx, s)
			d.obs.ObserveLatency(observability.LatencyPush, time.Since(start).Seconds())
			if res == ports.PushFailed {
				d.obs.LogError("sink_push_failed", nil,
					ports.Field{Key: "sink", Value: s.Name()},
					ports.Field{Key: "op", Value: op})
			}

			mu.Lock()
			out[s.Name()] = res
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return out
}

func (d *Dispatcher) PushNodes(ctx context.Context, objects []*domain.Node, variables []*domain.Variable) Results {
	return d.fanOut(ctx, "nodes", func(ctx context.Context, s ports.Sink) ports.PushResult {
		if len(objects) == 0 && len(variables) == 0 {
			return ports.PushNoop
		}
		return ports.ResultOf(s.PushNodes(ctx, objects, variables))
	})
}

func (d *Dispatcher) PushReferences(ctx context.Context, refs []*domain.Reference) Results {
	return d.fanOut(ctx, "references", func(ctx context.Context, s ports.Sink) ports.PushResult {
		if len(refs) == 0 {
			return ports.PushNoop
		}
		return ports.ResultOf(s.PushReferences(ctx, refs))
	})
}

func (d *Dispatcher) PushDataPoints(ctx context.Context, points []domain.DataPoint) Results {
	res := d.fanOut(ctx, "datapoints", func(ctx context.Context, s ports.Sink) ports.PushResult {
		return s.PushDataPoints(ctx, points)
	})
	// counted per batch, not per sink
	switch {
	case res.anyOf(ports.PushOK):
		d.obs.IncCounter(observability.MetricPointsPushed, float64(len(points)))
	case res.anyOf(ports.PushFailed):
		d.obs.IncCounter(observability.MetricPointsFailed, float64(len(points)))
	}
	return res
}

func (d *Dispatcher) PushEvents(ctx context.Context, events []domain.Event) Results {
	res := d.fanOut(ctx, "events", func(ctx context.Context, s ports.Sink) ports.PushResult {
		return s.PushEvents(ctx, events)
	})
	if res.anyOf(ports.PushOK) {
		d.obs.IncCounter(observability.MetricEventsPushed, float64(len(events)))
	}
	return res
}

func (d *Dispatcher) ExecuteDeletes(ctx context.Context, deletes domain.DeleteResult) Results {
	return d.fanOut(ctx, "deletes", func(ctx context.Context, s ports.Sink) ports.PushResult {
		if deletes.Empty() {
			return ports.PushNoop
		}
		return ports.ResultOf(s.ExecuteDeletes(ctx, deletes))
	})
}

func (d *Dispatcher) TestConnections(ctx context.Context) Results {
	return d.fanOut(ctx, "test_connection", func(ctx context.Context, s ports.Sink) ports.PushResult {
		return s.TestConnection(ctx)
	})
}

// Reset clears the dedup state of every sink and drops pending input.
func (d *Dispatcher) Reset() {
	for _, s := range d.sinks {
		s.Reset()
	}
	d.mu.Lock()
	d.pending = make(map[string]*reconcile.PusherInput)
	d.mu.Unlock()
	d.obs.SetGauge(observability.GaugePendingSinks, 0)
}

// Synchronize pushes in to every sink: nodes, then references, then deletes.
// Input left pending for a sink by an earlier failure is merged in first.
func (d *Dispatcher) Synchronize(ctx context.Context, in *reconcile.PusherInput) Results {
	return d.fanOut(ctx, "synchronize", func(ctx context.Context, s ports.Sink) ports.PushResult {
		merged := d.takePending(s.Name()).Merge(in)
		res := pushInput(ctx, s, merged)
		if res == ports.PushFailed {
			d.setPending(s.Name(), merged)
		}
		return res
	})
}

// RetryPending re-tests the connection of every sink holding pending input
// and pushes it once the sink is healthy.
func (d *Dispatcher) RetryPending(ctx context.Context) Results {
	return d.fanOut(ctx, "retry_pending", func(ctx context.Context, s ports.Sink) ports.PushResult {
		in := d.peekPending(s.Name())
		if in == nil {
			return ports.PushNoop
		}
		if s.TestConnection(ctx) == ports.PushFailed {
			return ports.PushFailed
		}
		res := pushInput(ctx, s, in)
		if res != ports.PushFailed {
			d.clearPending(s.Name(), in)
			d.obs.LogInfo("pending_sync_complete", ports.Field{Key: "sink", Value: s.Name()})
		}
		return res
	})
}

// Pending lists sinks holding pending input, sorted by name.
func (d *Dispatcher) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.pending))
	for name := range d.pending {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func pushInput(ctx context.Context, s ports.Sink, in *reconcile.PusherInput) ports.PushResult {
	if in.Empty() {
		return ports.PushNoop
	}
	if len(in.Objects) > 0 || len(in.Variables) > 0 {
		if !s.PushNodes(ctx, in.Objects, in.Variables) {
			return ports.PushFailed
		}
	}
	if len(in.References) > 0 {
		if !s.PushReferences(ctx, in.References) {
			return ports.PushFailed
		}
	}
	if !in.Deletes.Empty() {
		if !s.ExecuteDeletes(ctx, in.Deletes) {
			return ports.PushFailed
		}
	}
	return ports.PushOK
}

func (d *Dispatcher) takePending(name string) *reconcile.PusherInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	in := d.pending[name]
	delete(d.pending, name)
	return in
}

func (d *Dispatcher) peekPending(name string) *reconcile.PusherInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[name]
}

func (d *Dispatcher) setPending(name string, in *reconcile.PusherInput) {
	d.mu.Lock()
	if cur, ok := d.pending[name]; ok {
		in = cur.Merge(in)
	}
	d.pending[name] = in
	n := len(d.pending)
	d.mu.Unlock()
	d.obs.IncCounter(observability.MetricNodePushFailures, 1)
	d.obs.SetGauge(observability.GaugePendingSinks, float64(n))
}

// clearPending drops the pending input only if no newer input replaced it.
func (d *Dispatcher) clearPending(name string, in *reconcile.PusherInput) {
	d.mu.Lock()
	if d.pending[name] == in {
		delete(d.pending, name)
	}
	n := len(d.pending)
	d.mu.Unlock()
	d.obs.SetGauge(observability.GaugePendingSinks, float64(n))
}
