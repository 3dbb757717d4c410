package aegisbridge

import (
	"context"
	"errors"
)

// Flow builds a Runtime in three steps: Conf loads the configuration,
// StreamIN swaps source-side dependencies and StreamOUT adds sinks and
// returns the runtime.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

type (
	// FlowOption mutates the Flow right after the configuration is loaded.
	FlowOption func(*Flow)
	// StreamInOption overrides the source side: protocol client, queue, state store.
	StreamInOption func(*Flow)
	// StreamOutOption adds sinks or replaces observability.
	StreamOutOption func(*Flow)
)

// Conf loads YAML from disk and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig starts a Flow from an in-memory Config. The config is used
// as is; run it through ParseConfig first to get defaults and validation.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	f := &Flow{cfg: cfg}
	apply(f, opts)
	return f, nil
}

// Config exposes the configuration so it can still be edited before StreamOUT.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options records raw RuntimeOption values.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f != nil {
		f.record(opts...)
	}
	return f
}

func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f != nil {
		apply(f, opts)
	}
	return f
}

// StreamOUT applies the sink-side options and builds the Runtime. The
// runtime does not connect anything until Start or Run.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, errors.New("flow is nil")
	}
	apply(f, opts)
	return NewRuntime(f.cfg, f.opts...)
}

// Run builds the runtime and runs it until ctx is done.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) { f.record(opts...) }
}

// StreamInSource replaces the OPC UA client, e.g. with a simulator.
func StreamInSource(src Source) StreamInOption {
	if src == nil {
		return nil
	}
	return StreamInOption(recording(WithSource(src)))
}

func StreamInQueue(q PointQueue) StreamInOption {
	if q == nil {
		return nil
	}
	return StreamInOption(recording(WithQueue(q)))
}

// StreamInStateStore replaces the configured known-id and history state storage.
func StreamInStateStore(s StateStore) StreamInOption {
	if s == nil {
		return nil
	}
	return StreamInOption(recording(WithStateStore(s)))
}

func StreamInObservability(obs Observability) StreamInOption {
	if obs == nil {
		return nil
	}
	return StreamInOption(recording(WithObservability(obs)))
}

// StreamOutSink pushes to s next to the configured sinks. Sink names must be unique.
func StreamOutSink(s Sink) StreamOutOption {
	if s == nil {
		return nil
	}
	return StreamOutOption(recording(WithSink(s)))
}

func StreamOutObservability(obs Observability) StreamOutOption {
	if obs == nil {
		return nil
	}
	return StreamOutOption(recording(WithObservability(obs)))
}

// StreamOutCallback pushes live and historical data points to fn.
func StreamOutCallback(name string, fn DataPointBatchSink) StreamOutOption {
	return StreamOutOption(recording(WithSink(NewCallbackSink(name, fn))))
}

func recording(opt RuntimeOption) func(*Flow) {
	return func(f *Flow) { f.record(opt) }
}

func (f *Flow) record(opts ...RuntimeOption) {
	if f == nil {
		return
	}
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}

func apply[O ~func(*Flow)](f *Flow, opts []O) {
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
}
