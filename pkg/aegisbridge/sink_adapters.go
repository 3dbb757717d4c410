package aegisbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("aegisbridge: channel sink closed")

// DataPointBatchSink is invoked with every batch of data points pushed by the runtime.
type DataPointBatchSink func([]DataPoint) error

// NewCallbackSink adapts a DataPointBatchSink into a full Sink so callers can
// plug arbitrary functions without defining structs. Node, reference and
// delete pushes are accepted without action.
func NewCallbackSink(name string, fn DataPointBatchSink) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes data point batches via a channel; it returns the
// sink, the read-only channel, and a close function that the caller should
// invoke during shutdown.
func NewChannelSink(name string, buffer int) (Sink, <-chan []DataPoint, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []DataPoint, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

// metadataless implements the node side of Sink for sinks that only take data points.
type metadataless struct{}

func (metadataless) PushNodes(context.Context, []*domain.Node, []*domain.Variable) bool { return true }
func (metadataless) PushReferences(context.Context, []*domain.Reference) bool           { return true }
func (metadataless) ExecuteDeletes(context.Context, domain.DeleteResult) bool           { return true }
func (metadataless) PushEvents(context.Context, []domain.Event) ports.PushResult        { return ports.PushNoop }
func (metadataless) TestConnection(context.Context) ports.PushResult                    { return ports.PushOK }
func (metadataless) Reset()                                                             {}

type callbackSink struct {
	metadataless
	name string
	fn   DataPointBatchSink
}

func (s *callbackSink) Name() string { return s.name }

func (s *callbackSink) write(points []DataPoint) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(points) == 0 {
		return nil
	}
	return s.fn(points)
}

func (s *callbackSink) PushDataPoints(_ context.Context, points []domain.DataPoint) ports.PushResult {
	if len(points) == 0 {
		return ports.PushNoop
	}
	return ports.ResultOf(s.write(points) == nil)
}

type channelSink struct {
	metadataless
	name   string
	ch     chan []DataPoint
	closed chan struct{}
	mu     sync.RWMutex
	once   sync.Once
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) send(ctx context.Context, points []DataPoint) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if len(points) == 0 {
		return nil
	}

	batch := append([]DataPoint(nil), points...)

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- batch:
		return nil
	}
}

func (s *channelSink) PushDataPoints(ctx context.Context, points []domain.DataPoint) ports.PushResult {
	if len(points) == 0 {
		return ports.PushNoop
	}
	return ports.ResultOf(s.send(ctx, points) == nil)
}

func (s *channelSink) TestConnection(context.Context) ports.PushResult {
	select {
	case <-s.closed:
		return ports.PushFailed
	default:
		return ports.PushOK
	}
}

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		// wait for in-flight sends before closing the data channel
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
