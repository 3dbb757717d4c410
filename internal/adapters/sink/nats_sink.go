package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/push"
	"github.com/ghalamif/aegisbridge/internal/statestore"
)

type NATSConfig struct {
	URL           string            `yaml:"url" validate:"required"`
	Name          string            `yaml:"name"`
	Stream        string            `yaml:"stream" validate:"required"`
	SubjectPrefix string            `yaml:"subject_prefix" validate:"required"`
	Token         string            `yaml:"token"`
	Username      string            `yaml:"username"`
	Password      string            `yaml:"password"`
	MaxReconnects int               `yaml:"max_reconnects"`
	ReconnectWait time.Duration     `yaml:"reconnect_wait"`
	Parallelism   int               `yaml:"parallelism" validate:"gte=0"`
	Retry         push.RetryConfig  `yaml:"retry"`
	Filter        push.FilterConfig `yaml:"filter"`
	// LocalState names the state-store table of ids already published.
	// Nodes listed there are not republished.
	LocalState string `yaml:"local_state"`
}

const (
	natsMaxPointsPerChunk = 100000
	natsMaxIDsPerChunk    = 10000
	natsNodeChunk         = 1000
	natsEventChunk        = 1000
)

// Publisher is the subset of jetstream.JetStream the sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// ConnStatus reports the state of the underlying connection.
type ConnStatus interface {
	IsConnected() bool
}

type timeRange struct {
	start, end time.Time
}

// NATSSink publishes JSON batches to JetStream subjects under SubjectPrefix.
type NATSSink struct {
	js    Publisher
	conn  ConnStatus
	store ports.StateStore
	cfg   NATSConfig
	obs   ports.Observability

	mu       sync.Mutex
	ranges   map[string]timeRange
	existing map[string]struct{}
}

func NewNATSSink(js Publisher, conn ConnStatus, store ports.StateStore, cfg NATSConfig, obs ports.Observability) *NATSSink {
	if obs == nil {
		obs = observability.Nop()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &NATSSink{
		js:     js,
		conn:   conn,
		store:  store,
		cfg:    cfg,
		obs:    obs,
		ranges: make(map[string]timeRange),
	}
}

// OpenNATS connects to cfg.URL and makes sure the stream exists.
func OpenNATS(ctx context.Context, cfg NATSConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if _, err := js.Stream(ctx, cfg.Stream); err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to get stream %s: %w", cfg.Stream, err)
		}
		sc := jetstream.StreamConfig{Name: cfg.Stream, Subjects: []string{cfg.SubjectPrefix + ".>"}}
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
		}
	}
	return nc, js, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) subject(kind string) string { return s.cfg.SubjectPrefix + "." + kind }

func classifyNATS(err error) error {
	if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
		return push.Permanent(err)
	}
	return err
}

// publish marshals v and publishes it with a content-derived message id so
// JetStream drops a retried duplicate.
func (s *NATSSink) publish(ctx context.Context, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return push.Permanent(fmt.Errorf("marshal %s: %w", kind, err))
	}
	msgID := uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(kind+":"), data...)).String()
	_, err = s.js.Publish(ctx, s.subject(kind), data, jetstream.WithMsgID(msgID))
	return classifyNATS(err)
}

type natsNode struct {
	ID          string            `json:"id"`
	NodeID      string            `json:"node_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	NodeClass   string            `json:"node_class"`
	DataType    string            `json:"data_type,omitempty"`
	IsString    bool              `json:"is_string,omitempty"`
	IsStep      bool              `json:"is_step,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func toNATSNode(e domain.Entity) natsNode {
	n := e.Base()
	out := natsNode{
		ID:          n.ID,
		NodeID:      n.NodeID,
		Name:        n.DisplayName,
		Description: n.Description,
		ParentID:    n.ParentID,
		NodeClass:   n.NodeClass.String(),
		Metadata:    n.Metadata(true),
	}
	if v, ok := e.(*domain.Variable); ok {
		out.DataType = v.DataType.ID
		out.IsString = v.DataType.IsString
		out.IsStep = v.DataType.IsStep
	}
	return out
}

func (s *NATSSink) loadExisting(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing != nil {
		return s.existing, nil
	}
	known, err := statestore.GetAll[statestore.KnownEntity](ctx, s.store, s.cfg.LocalState)
	if err != nil && !errors.Is(err, ports.ErrTableNotFound) {
		return nil, err
	}
	s.existing = make(map[string]struct{}, len(known))
	for id := range known {
		s.existing[id] = struct{}{}
	}
	return s.existing, nil
}

func (s *NATSSink) localState() bool { return s.store != nil && s.cfg.LocalState != "" }

func (s *NATSSink) PushNodes(ctx context.Context, objects []*domain.Node, variables []*domain.Variable) bool {
	var entities []domain.Entity
	var existing map[string]struct{}
	if s.localState() {
		var err error
		if existing, err = s.loadExisting(ctx); err != nil {
			s.obs.LogError("nats_local_state_failed", err, ports.Field{Key: "table", Value: s.cfg.LocalState})
			return false
		}
	}
	s.mu.Lock()
	for _, o := range objects {
		if _, ok := existing[o.ID]; !ok {
			entities = append(entities, o)
		}
	}
	for _, v := range variables {
		if _, ok := existing[v.ID]; !ok {
			entities = append(entities, v)
		}
	}
	s.mu.Unlock()
	if len(entities) == 0 {
		return true
	}

	err := push.Chunks(ctx, push.Chunk(entities, natsNodeChunk), s.cfg.Parallelism, s.cfg.Retry,
		func(ctx context.Context, chunk []domain.Entity) error {
			out := make([]natsNode, len(chunk))
			for i, e := range chunk {
				out[i] = toNATSNode(e)
			}
			return s.publish(ctx, "nodes", out)
		})
	if err != nil {
		s.obs.LogError("nats_push_nodes_failed", err, ports.Field{Key: "count", Value: len(entities)})
		return false
	}

	if s.localState() {
		rows := make(map[string]statestore.KnownEntity, len(entities))
		for _, e := range entities {
			rows[e.Base().ID] = statestore.KnownEntity{}
		}
		if err := statestore.StoreAll(ctx, s.store, s.cfg.LocalState, rows); err != nil {
			s.obs.LogError("nats_store_local_state_failed", err, ports.Field{Key: "table", Value: s.cfg.LocalState})
			return false
		}
		s.mu.Lock()
		if s.existing != nil {
			for id := range rows {
				s.existing[id] = struct{}{}
			}
		}
		s.mu.Unlock()
	}
	return true
}

type natsReference struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Type      string `json:"type"`
	IsForward bool   `json:"is_forward"`
}

func (s *NATSSink) PushReferences(ctx context.Context, refs []*domain.Reference) bool {
	if len(refs) == 0 {
		return true
	}
	err := push.Chunks(ctx, push.Chunk(refs, natsNodeChunk), s.cfg.Parallelism, s.cfg.Retry,
		func(ctx context.Context, chunk []*domain.Reference) error {
			out := make([]natsReference, len(chunk))
			for i, r := range chunk {
				out[i] = natsReference{Source: r.Source.ID, Target: r.Target.ID, Type: r.Name(), IsForward: r.IsForward}
			}
			return s.publish(ctx, "references", out)
		})
	if err != nil {
		s.obs.LogError("nats_push_references_failed", err, ports.Field{Key: "count", Value: len(refs)})
		return false
	}
	return true
}

type natsPoint struct {
	ID          string   `json:"id"`
	Timestamp   int64    `json:"ts"`
	Value       *float64 `json:"value,omitempty"`
	StringValue *string  `json:"str_value,omitempty"`
}

// insideRange reports whether ts lies strictly inside the span already
// published for id.
func (s *NATSSink) insideRange(id string, ts time.Time) bool {
	r, ok := s.ranges[id]
	return ok && ts.After(r.start) && ts.Before(r.end)
}

func (s *NATSSink) PushDataPoints(ctx context.Context, points []domain.DataPoint) ports.PushResult {
	points, skipped := push.FilterPoints(points, s.cfg.Filter)
	s.mu.Lock()
	fresh := points[:0]
	for _, p := range points {
		if s.insideRange(p.ID, p.Timestamp) {
			skipped++
			continue
		}
		fresh = append(fresh, p)
	}
	s.mu.Unlock()
	if skipped > 0 {
		s.obs.IncCounter(observability.MetricPointsSkipped, float64(skipped))
	}
	if len(fresh) == 0 {
		return ports.PushNoop
	}

	chunks := push.ChunkByID(fresh, func(p domain.DataPoint) string { return p.ID }, natsMaxPointsPerChunk, natsMaxIDsPerChunk)
	err := push.Chunks(ctx, chunks, s.cfg.Parallelism, s.cfg.Retry,
		func(ctx context.Context, chunk []domain.DataPoint) error {
			out := make([]natsPoint, len(chunk))
			for i, p := range chunk {
				out[i] = natsPoint{ID: p.ID, Timestamp: p.Timestamp.UnixMilli()}
				if p.IsString {
					out[i].StringValue = p.StringValue
				} else {
					v := p.DoubleValue
					out[i].Value = &v
				}
			}
			return s.publish(ctx, "datapoints", out)
		})
	if err != nil {
		s.obs.LogError("nats_push_datapoints_failed", err, ports.Field{Key: "count", Value: len(fresh)})
		return ports.PushFailed
	}

	s.mu.Lock()
	for _, p := range fresh {
		r, ok := s.ranges[p.ID]
		if !ok {
			s.ranges[p.ID] = timeRange{start: p.Timestamp, end: p.Timestamp}
			continue
		}
		if p.Timestamp.Before(r.start) {
			r.start = p.Timestamp
		}
		if p.Timestamp.After(r.end) {
			r.end = p.Timestamp
		}
		s.ranges[p.ID] = r
	}
	s.mu.Unlock()
	return ports.PushOK
}

type natsEvent struct {
	ExternalID string            `json:"external_id"`
	StartTime  int64             `json:"start_time"`
	EndTime    int64             `json:"end_time"`
	Type       string            `json:"type"`
	SubType    string            `json:"subtype,omitempty"`
	Message    string            `json:"description,omitempty"`
	Emitter    string            `json:"emitter"`
	SourceNode string            `json:"source_node,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

var reservedEventFields = map[string]struct{}{
	"StartTime": {}, "EndTime": {}, "Type": {}, "SubType": {}, "SourceNode": {},
}

func timeField(v any, fallback time.Time) int64 {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case int64:
		return t
	default:
		return fallback.UnixMilli()
	}
}

func toNATSEvent(e domain.Event) natsEvent {
	out := natsEvent{
		ExternalID: e.EventID,
		StartTime:  e.Time.UnixMilli(),
		EndTime:    e.Time.UnixMilli(),
		Type:       e.EventType,
		Message:    e.Message,
		Emitter:    e.EmittingNode,
		SourceNode: e.SourceNode,
		Metadata:   map[string]string{},
	}
	if v, ok := e.Meta("StartTime"); ok {
		out.StartTime = timeField(v, e.Time)
	}
	if v, ok := e.Meta("EndTime"); ok {
		out.EndTime = timeField(v, e.Time)
	}
	if v, ok := e.Meta("Type"); ok {
		out.Type = fmt.Sprint(v)
	}
	if v, ok := e.Meta("SubType"); ok {
		out.SubType = fmt.Sprint(v)
	}
	if v, ok := e.Meta("SourceNode"); ok {
		out.SourceNode = fmt.Sprint(v)
	}
	for _, f := range e.MetaData {
		if _, skip := reservedEventFields[f.Name]; skip {
			continue
		}
		out.Metadata[f.Name] = fmt.Sprint(f.Value)
	}
	return out
}

func (s *NATSSink) PushEvents(ctx context.Context, events []domain.Event) ports.PushResult {
	events, _ = push.FilterEvents(events, s.cfg.Filter)
	if len(events) == 0 {
		return ports.PushNoop
	}
	err := push.Chunks(ctx, push.Chunk(events, natsEventChunk), s.cfg.Parallelism, s.cfg.Retry,
		func(ctx context.Context, chunk []domain.Event) error {
			out := make([]natsEvent, len(chunk))
			for i, e := range chunk {
				out[i] = toNATSEvent(e)
			}
			return s.publish(ctx, "events", out)
		})
	if err != nil {
		s.obs.LogError("nats_push_events_failed", err, ports.Field{Key: "count", Value: len(events)})
		return ports.PushFailed
	}
	return ports.PushOK
}

func (s *NATSSink) ExecuteDeletes(ctx context.Context, d domain.DeleteResult) bool {
	if d.Empty() {
		return true
	}
	err := push.Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.publish(ctx, "deletes", d)
	})
	if err != nil {
		s.obs.LogError("nats_deletes_failed", err)
		return false
	}
	if s.localState() {
		ids := append(append([]string{}, d.Objects...), d.Variables...)
		if err := s.store.Delete(ctx, s.cfg.LocalState, ids); err != nil && !errors.Is(err, ports.ErrTableNotFound) {
			s.obs.LogError("nats_local_state_delete_failed", err)
		}
		s.mu.Lock()
		for _, id := range ids {
			delete(s.existing, id)
		}
		s.mu.Unlock()
	}
	return true
}

func (s *NATSSink) TestConnection(context.Context) ports.PushResult {
	if s.conn == nil {
		return ports.PushNoop
	}
	if !s.conn.IsConnected() {
		s.obs.LogError("nats_unreachable", nats.ErrConnectionClosed)
		return ports.PushFailed
	}
	return ports.PushOK
}

// Reset forgets published ranges and the known-node cache.
func (s *NATSSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existing = nil
	s.ranges = make(map[string]timeRange)
}

var _ ports.Sink = (*NATSSink)(nil)
