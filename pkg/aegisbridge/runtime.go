package aegisbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/aegisbridge/internal/adapters/buffer"
	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/adapters/opcua"
	"github.com/ghalamif/aegisbridge/internal/adapters/queue"
	"github.com/ghalamif/aegisbridge/internal/app/pipeline"
	"github.com/ghalamif/aegisbridge/internal/browse"
	"github.com/ghalamif/aegisbridge/internal/checksum"
	"github.com/ghalamif/aegisbridge/internal/deletes"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/history"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/push"
	"github.com/ghalamif/aegisbridge/internal/rebrowse"
	"github.com/ghalamif/aegisbridge/internal/reconcile"
	"github.com/ghalamif/aegisbridge/internal/statestore"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	source        Source
	sinks         []Sink
	store         StateStore
	queue         PointQueue
	observability Observability
	registry      *prometheus.Registry
}

// WithSource injects a protocol client instead of dialing the configured endpoint.
func WithSource(src Source) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.source = src
	}
}

// WithSink adds a sink next to the configured ones so data can be sent to any
// database or API.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithStateStore replaces the configured state storage backend.
func WithStateStore(s StateStore) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.store = s
	}
}

// WithQueue injects a custom queue implementation (e.g., lock-free, sharded).
func WithQueue(q PointQueue) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.queue = q
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithRegistry registers the runtime metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// Runtime wires the source, node synchronization, live subscriptions,
// history and sinks together and exposes lifecycle hooks for embedding
// AegisBridge inside any Go service.
type Runtime struct {
	cfg    *Config
	policy ports.Policy
	obs    ports.Observability
	reg    *prometheus.Registry
	store  ports.StateStore
	queue  PointQueue
	buf    ports.PointBuffer
	source ports.Source
	extra  []ports.Sink

	disp      *push.Dispatcher
	nodeSync  *pipeline.NodeSync
	collector *pipeline.Collector
	reader    *history.Reader
	history   *pipeline.HistorySync
	rebrowseQ *rebrowse.Queue
	trigger   *rebrowse.Trigger

	mu      sync.Mutex
	subs    []ports.Subscription
	closers []func() error
	started bool

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	historyCh   chan struct{}
	metricsSrv  *http.Server
	gaugeStopCh chan struct{}
}

// NewRuntime bootstraps the local adapters (state store, queue, disk buffer,
// Prometheus observability). Network connections are opened by Start.
// RuntimeOption values override any dependency.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	log := observability.NewLogger(cfg.Logging, "aegis-bridge")
	reg := overrides.registry
	obs := overrides.observability
	if obs == nil {
		if reg == nil {
			reg = prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		obs = observability.NewPromObs(reg, log)
	}

	store := overrides.store
	if store == nil {
		switch cfg.StateStorage.Backend {
		case "badger":
			db, err := statestore.OpenBadger(cfg.StateStorage.BadgerConfig, log)
			if err != nil {
				return nil, fmt.Errorf("open state store: %w", err)
			}
			store = db
		default:
			store = statestore.NewMemory()
		}
	}

	q := overrides.queue
	if q == nil {
		q = queue.NewMemQueue[domain.DataPoint](cfg.Policy.MaxQueueLen)
	}

	rt := &Runtime{
		cfg:       cfg,
		policy:    cfg.Policy,
		obs:       obs,
		reg:       reg,
		store:     store,
		queue:     q,
		source:    overrides.source,
		extra:     overrides.sinks,
		rebrowseQ: rebrowse.NewQueue(),
	}

	if cfg.Buffer.Enabled {
		buf, err := buffer.NewFileBuffer(cfg.Buffer, buffer.WithObservability(obs))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open buffer: %w", err)
		}
		rt.buf = buf
	}
	return rt, nil
}

// Start connects the source and sinks, runs the initial browse and launches
// the background loops. It returns once the first synchronization is done;
// call Run to block on a context instead.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	r.mu.Unlock()

	if r.source == nil {
		src, err := opcua.Dial(ctx, r.cfg.Source, r.obs)
		if err != nil {
			return fmt.Errorf("connect source: %w", err)
		}
		r.source = src
	}

	sinks, err := r.openSinks(ctx)
	if err != nil {
		return err
	}
	r.disp = push.NewDispatcher(sinks, push.WithTimeout(r.cfg.Push.Timeout), push.WithObservability(r.obs))
	if failed := r.disp.TestConnections(ctx).Failed(); len(failed) > 0 {
		r.obs.LogError("sink_unreachable", fmt.Errorf("%d sink(s) failed the connection test", len(failed)),
			ports.Field{Key: "sinks", Value: failed})
	}

	nodes := browse.NewNodeSource(r.source, r.cfg.Browse, r.cfg.Update, r.obs)
	var differ reconcile.Differ
	if r.cfg.Deletes.Enabled {
		update := r.cfg.Update
		differ = deletes.NewManager(r.store, r.cfg.Deletes.Config,
			deletes.WithChecksummer(func(e domain.Entity) string {
				return checksum.String(checksum.Checksum(e, update))
			}),
			deletes.WithObservability(r.obs))
	}
	r.nodeSync = pipeline.NewNodeSync(nodes, differ, r.disp, r.obs)
	r.collector = pipeline.NewCollector(r.source, r.queue, r.policy, r.obs)
	if r.cfg.History.Enabled {
		r.reader = history.NewReader(r.source, r.cfg.History.Config, history.WithObservability(r.obs))
		r.history = pipeline.NewHistorySync(r.reader, r.disp, r.store, r.buf, pipeline.HistoryOptions{
			Data:        r.cfg.History.Data,
			Events:      r.cfg.History.Events,
			Backfill:    r.cfg.History.Backfill,
			StartTime:   r.cfg.History.StartTime,
			StatesTable: r.cfg.History.StatesTable,
		}, r.obs)
	}

	res, err := r.nodeSync.Run(ctx)
	if err != nil {
		return fmt.Errorf("initial browse: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		pipeline.RunIngestPipeline(runCtx, r.queue, r.disp, r.buf, r.policy, r.obs)
	}()

	if r.history != nil {
		r.historyCh = make(chan struct{}, 1)
		r.wg.Add(1)
		go r.historyLoop(runCtx)
	}
	r.afterSync(runCtx, res)

	if r.cfg.Rebrowse.Enabled {
		r.trigger = rebrowse.NewTrigger(r.source, r.cfg.Rebrowse, r.rebrowseQ, time.Now(), r.obs)
		if err := r.trigger.Enable(runCtx); err != nil {
			r.obs.LogError("rebrowse_trigger_failed", err)
		}
	}

	r.wg.Add(1)
	go r.syncLoop(runCtx)

	r.startMetrics()
	return nil
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(err, r.Shutdown(shutdownCtx))
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Rebrowse requests a full browse and synchronization. Requests made while
// one is pending are coalesced.
func (r *Runtime) Rebrowse() {
	r.rebrowseQ.Request()
}

// Sinks returns the sinks the runtime pushes to. It is empty before Start.
func (r *Runtime) Sinks() []Sink {
	if r.disp == nil {
		return nil
	}
	return r.disp.Sinks()
}

// Stats is a point-in-time view of the runtime's backlog.
type Stats struct {
	QueueLength   int
	BufferBytes   int64
	PendingSinks  []string
	HistoryStates int
}

func (r *Runtime) Stats() Stats {
	st := Stats{QueueLength: r.queue.Len()}
	if r.buf != nil {
		st.BufferBytes = r.buf.SizeBytes()
	}
	if r.disp != nil {
		st.PendingSinks = r.disp.Pending()
	}
	if r.history != nil {
		st.HistoryStates = len(r.history.States())
	}
	return st
}

// Shutdown stops the background loops, cancels subscriptions and history
// reads, persists history progress and closes every connection.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.gaugeStopCh != nil {
		close(r.gaugeStopCh)
		r.gaugeStopCh = nil
	}

	if r.cancel != nil {
		r.cancel()
	}
	if r.reader != nil && !r.reader.Terminate(ctx, r.cfg.History.ReleaseTimeout) {
		errs = append(errs, errors.New("history reads did not stop in time"))
	}

	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		if err := s.Cancel(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.trigger != nil {
		if err := r.trigger.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for loops: %w", ctx.Err()))
	}

	if r.history != nil {
		if err := r.history.Persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil

	if r.source != nil {
		if err := r.source.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Runtime) afterSync(ctx context.Context, res *domain.NodeSourceResult) {
	if r.cfg.Subscriptions.Enabled {
		sub, err := r.collector.Subscribe(ctx, pipeline.TargetsFor(res), r.cfg.Subscriptions.SamplingInterval, r.cfg.Subscriptions.QueueSize)
		switch {
		case err != nil:
			r.obs.LogError("subscribe_failed", err)
		case sub != nil:
			r.mu.Lock()
			r.subs = append(r.subs, sub)
			r.mu.Unlock()
		}
	}

	if r.history != nil {
		n, err := r.history.Track(ctx, res)
		if err != nil {
			r.obs.LogError("history_track_failed", err)
		}
		if n > 0 {
			select {
			case r.historyCh <- struct{}{}:
			default:
			}
		}
	}
}

func (r *Runtime) historyLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.historyCh:
			if err := r.history.Run(ctx); err != nil {
				r.obs.LogError("history_persist_failed", err)
			}
		}
	}
}

func (r *Runtime) syncLoop(ctx context.Context) {
	defer r.wg.Done()

	var browseC <-chan time.Time
	if r.cfg.Push.BrowseInterval > 0 {
		t := time.NewTicker(r.cfg.Push.BrowseInterval)
		defer t.Stop()
		browseC = t.C
	}
	every := r.cfg.Push.RetryPendingInterval
	if every <= 0 {
		every = push.DefaultTimeout
	}
	retry := time.NewTicker(every)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.rebrowseQ.C():
			r.rebrowse(ctx)
		case <-browseC:
			r.rebrowse(ctx)
		case <-retry.C:
			if len(r.disp.Pending()) > 0 {
				r.disp.RetryPending(ctx)
			}
		}
	}
}

func (r *Runtime) rebrowse(ctx context.Context) {
	res, err := r.nodeSync.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.obs.LogError("rebrowse_failed", err)
		}
		return
	}
	r.afterSync(ctx, res)
}

func (r *Runtime) startMetrics() {
	if r.cfg.Metrics.Addr == "" {
		return
	}
	var handler http.Handler = promhttp.Handler()
	if r.reg != nil {
		handler = promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.metricsSrv = &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err)
		}
	}()

	r.gaugeStopCh = make(chan struct{})
	go r.recordResourceGauges(r.gaugeStopCh, time.Second)
}

func (r *Runtime) recordResourceGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st := r.Stats()
			r.obs.SetGauge(observability.GaugeQueueLength, float64(st.QueueLength))
			r.obs.SetGauge(observability.GaugeBufferSize, float64(st.BufferBytes))
			r.obs.SetGauge(observability.GaugePendingSinks, float64(len(st.PendingSinks)))
		}
	}
}
