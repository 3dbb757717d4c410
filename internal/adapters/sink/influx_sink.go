package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/push"
)

type InfluxConfig struct {
	URL         string            `yaml:"url" validate:"required,url"`
	Token       string            `yaml:"token"`
	Org         string            `yaml:"org" validate:"required"`
	Bucket      string            `yaml:"bucket" validate:"required"`
	Measurement string            `yaml:"measurement"`
	ChunkSize   int               `yaml:"chunk_size" validate:"gte=0"`
	Parallelism int               `yaml:"parallelism" validate:"gte=0"`
	Retry       push.RetryConfig  `yaml:"retry"`
	Filter      push.FilterConfig `yaml:"filter"`
}

// Pinger reports whether the InfluxDB server answers.
type Pinger interface {
	Ping(ctx context.Context) (bool, error)
}

// InfluxSink writes data points and events as line protocol. Node metadata
// has no home in a bucket, so node pushes succeed without writing.
type InfluxSink struct {
	write  api.WriteAPIBlocking
	pinger Pinger
	cfg    InfluxConfig
	obs    ports.Observability
}

func NewInfluxSink(w api.WriteAPIBlocking, pinger Pinger, cfg InfluxConfig, obs ports.Observability) *InfluxSink {
	if obs == nil {
		obs = observability.Nop()
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "datapoints"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 5000
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	return &InfluxSink{write: w, pinger: pinger, cfg: cfg, obs: obs}
}

// OpenInflux builds a client for cfg. The caller closes it.
func OpenInflux(cfg InfluxConfig) (influxdb2.Client, api.WriteAPIBlocking) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return client, client.WriteAPIBlocking(cfg.Org, cfg.Bucket)
}

func (s *InfluxSink) Name() string { return "influxdb" }

func classifyInflux(err error) error {
	var herr *influxhttp.Error
	if errors.As(err, &herr) {
		if herr.StatusCode >= 400 && herr.StatusCode < 500 && herr.StatusCode != http.StatusTooManyRequests {
			return push.Permanent(err)
		}
	}
	return err
}

func (s *InfluxSink) PushNodes(context.Context, []*domain.Node, []*domain.Variable) bool { return true }

func (s *InfluxSink) PushReferences(context.Context, []*domain.Reference) bool { return true }

func (s *InfluxSink) ExecuteDeletes(_ context.Context, d domain.DeleteResult) bool {
	if !d.Empty() {
		s.obs.LogDebug("influx_deletes_ignored", ports.Field{Key: "variables", Value: len(d.Variables)})
	}
	return true
}

func (s *InfluxSink) pointFor(p domain.DataPoint) *write.Point {
	fields := map[string]any{}
	if p.IsString {
		fields["str_value"] = p.Str()
	} else {
		fields["value"] = p.DoubleValue
	}
	return influxdb2.NewPoint(s.cfg.Measurement, map[string]string{"id": p.ID}, fields, p.Timestamp)
}

func (s *InfluxSink) eventPoint(e domain.Event) *write.Point {
	tags := map[string]string{
		"emitting_node": e.EmittingNode,
		"event_type":    e.EventType,
	}
	if e.SourceNode != "" {
		tags["source_node"] = e.SourceNode
	}
	fields := map[string]any{
		"event_id": e.EventID,
		"message":  e.Message,
	}
	for k, v := range eventMetadata(e) {
		switch v.(type) {
		case string, bool, float64, float32, int, int32, int64, uint32, uint64:
			fields["meta_"+k] = v
		default:
			fields["meta_"+k] = fmt.Sprint(v)
		}
	}
	return influxdb2.NewPoint("events", tags, fields, e.Time)
}

func (s *InfluxSink) writeChunks(ctx context.Context, points []*write.Point) error {
	return push.Chunks(ctx, push.Chunk(points, s.cfg.ChunkSize), s.cfg.Parallelism, s.cfg.Retry,
		func(ctx context.Context, chunk []*write.Point) error {
			return classifyInflux(s.write.WritePoint(ctx, chunk...))
		})
}

func (s *InfluxSink) PushDataPoints(ctx context.Context, points []domain.DataPoint) ports.PushResult {
	points, skipped := push.FilterPoints(points, s.cfg.Filter)
	if skipped > 0 {
		s.obs.IncCounter(observability.MetricPointsSkipped, float64(skipped))
	}
	if len(points) == 0 {
		return ports.PushNoop
	}
	out := make([]*write.Point, len(points))
	for i, p := range points {
		out[i] = s.pointFor(p)
	}
	if err := s.writeChunks(ctx, out); err != nil {
		s.obs.LogError("influx_push_datapoints_failed", err, ports.Field{Key: "count", Value: len(points)})
		return ports.PushFailed
	}
	return ports.PushOK
}

func (s *InfluxSink) PushEvents(ctx context.Context, events []domain.Event) ports.PushResult {
	events, _ = push.FilterEvents(events, s.cfg.Filter)
	if len(events) == 0 {
		return ports.PushNoop
	}
	out := make([]*write.Point, len(events))
	for i, e := range events {
		out[i] = s.eventPoint(e)
	}
	if err := s.writeChunks(ctx, out); err != nil {
		s.obs.LogError("influx_push_events_failed", err, ports.Field{Key: "count", Value: len(events)})
		return ports.PushFailed
	}
	return ports.PushOK
}

func (s *InfluxSink) TestConnection(ctx context.Context) ports.PushResult {
	if s.pinger == nil {
		return ports.PushNoop
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := s.pinger.Ping(ctx)
	if err != nil || !ok {
		s.obs.LogError("influx_unreachable", err)
		return ports.PushFailed
	}
	return ports.PushOK
}

func (s *InfluxSink) Reset() {}

var _ ports.Sink = (*InfluxSink)(nil)
