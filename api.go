package aegisbridge

import (
	base "github.com/ghalamif/aegisbridge/pkg/aegisbridge"
)

// Re-exported errors for convenience.
var (
	ErrQueueFull         = base.ErrQueueFull
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import github.com/ghalamif/aegisbridge directly.
type (
	Config             = base.Config
	Policy             = base.Policy
	SourceConfig       = base.SourceConfig
	BrowseConfig       = base.BrowseConfig
	UpdatePolicy       = base.UpdatePolicy
	HistoryConfig      = base.HistoryConfig
	SinksConfig        = base.SinksConfig
	TimescaleConfig    = base.TimescaleConfig
	InfluxConfig       = base.InfluxConfig
	NATSConfig         = base.NATSConfig
	RebrowseConfig     = base.RebrowseConfig
	MetricsConfig      = base.MetricsConfig
	Flow               = base.Flow
	FlowOption         = base.FlowOption
	StreamInOption     = base.StreamInOption
	StreamOutOption    = base.StreamOutOption
	Runtime            = base.Runtime
	RuntimeOption      = base.RuntimeOption
	Stats              = base.Stats
	DataPoint          = base.DataPoint
	Event              = base.Event
	Node               = base.Node
	Variable           = base.Variable
	Reference          = base.Reference
	DeleteResult       = base.DeleteResult
	DataPointBatchSink = base.DataPointBatchSink
	Source             = base.Source
	Sink               = base.Sink
	PushResult         = base.PushResult
	StateStore         = base.StateStore
	PointQueue         = base.PointQueue
	PointBuffer        = base.PointBuffer
	Observability      = base.Observability
	Field              = base.Field
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInSource(src Source) StreamInOption {
	return base.StreamInSource(src)
}

func StreamInQueue(q PointQueue) StreamInOption {
	return base.StreamInQueue(q)
}

func StreamInStateStore(s StateStore) StreamInOption {
	return base.StreamInStateStore(s)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutSink(s Sink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn DataPointBatchSink) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithSource(src Source) RuntimeOption {
	return base.WithSource(src)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithStateStore(s StateStore) RuntimeOption {
	return base.WithStateStore(s)
}

func WithQueue(q PointQueue) RuntimeOption {
	return base.WithQueue(q)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

// Sink adapters.
func NewCallbackSink(name string, fn DataPointBatchSink) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan []DataPoint, func()) {
	return base.NewChannelSink(name, buffer)
}
