package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/checksum"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/push"
)

type TimescaleConfig struct {
	DSN         string            `yaml:"dsn" validate:"required"`
	TablePrefix string            `yaml:"table_prefix"`
	ChunkSize   int               `yaml:"chunk_size" validate:"gte=0"`
	Parallelism int               `yaml:"parallelism" validate:"gte=0"`
	Retry       push.RetryConfig  `yaml:"retry"`
	Filter      push.FilterConfig `yaml:"filter"`
	Update      checksum.Policy   `yaml:"update"`
}

// TimescaleSink writes metadata and timeseries into PostgreSQL/TimescaleDB.
type TimescaleSink struct {
	db     *sql.DB
	cfg    TimescaleConfig
	obs    ports.Observability
	tables tableNames
}

type tableNames struct {
	nodes, refs, points, events string
}

func NewTimescaleSink(db *sql.DB, cfg TimescaleConfig, obs ports.Observability) *TimescaleSink {
	if obs == nil {
		obs = observability.Nop()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10000
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	p := cfg.TablePrefix
	return &TimescaleSink{
		db:  db,
		cfg: cfg,
		obs: obs,
		tables: tableNames{
			nodes:  p + "nodes",
			refs:   p + "node_references",
			points: p + "datapoints",
			events: p + "events",
		},
	}
}

// OpenTimescale opens a lib/pq connection pool for cfg.DSN.
func OpenTimescale(ctx context.Context, cfg TimescaleConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(max(cfg.Parallelism, 4))
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("timescale ping: %w", err)
	}
	return db, nil
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

// classify marks PostgreSQL data and syntax errors as non-retryable, as
// well as statements lib/pq refuses to bind.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return push.Permanent(err)
		}
	}
	if err != nil && strings.Contains(err.Error(), "parameters but PostgreSQL only supports") {
		return push.Permanent(err)
	}
	return err
}

// maxBindParams is the protocol limit on parameters in one statement.
const maxBindParams = 65535

// rowsPerStatement caps the chunk size so a multi-row insert of cols
// columns stays within maxBindParams.
func (t *TimescaleSink) rowsPerStatement(cols int) int {
	return min(t.cfg.ChunkSize, maxBindParams/cols)
}

func (t *TimescaleSink) exec(ctx context.Context, query string, args ...any) error {
	return push.Retry(ctx, t.cfg.Retry, func(ctx context.Context) error {
		_, err := t.db.ExecContext(ctx, query, args...)
		return classify(err)
	})
}

// placeholders writes "($n,...)" for row i of a statement with cols columns.
func placeholders(b *strings.Builder, row, cols int) {
	if row > 0 {
		b.WriteString(",")
	}
	b.WriteString("(")
	for c := 0; c < cols; c++ {
		if c > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(b, "$%d", row*cols+c+1)
	}
	b.WriteString(")")
}

// LookupNodes returns the stored checksum of every id the table already holds.
func (t *TimescaleSink) LookupNodes(ctx context.Context, ids []string) (ports.BatchLookupResult, error) {
	res := ports.BatchLookupResult{Found: make(map[string]string, len(ids))}
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := t.db.QueryContext(ctx,
		"SELECT id, checksum FROM "+t.tables.nodes+" WHERE id = ANY($1) AND NOT deleted",
		pq.Array(ids))
	if err != nil {
		return res, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, sum string
		if err := rows.Scan(&id, &sum); err != nil {
			return res, err
		}
		res.Found[id] = sum
	}
	if err := rows.Err(); err != nil {
		return res, err
	}
	for _, id := range ids {
		if _, ok := res.Found[id]; !ok {
			res.Missing = append(res.Missing, id)
		}
	}
	return res, nil
}

type nodeRow struct {
	entity   domain.Entity
	checksum string
}

func (t *TimescaleSink) PushNodes(ctx context.Context, objects []*domain.Node, variables []*domain.Variable) bool {
	if len(objects) == 0 && len(variables) == 0 {
		return true
	}
	rows := make(map[string]nodeRow, len(objects)+len(variables))
	ids := make([]string, 0, len(objects)+len(variables))
	add := func(e domain.Entity) {
		id := e.Base().ID
		if _, dup := rows[id]; !dup {
			ids = append(ids, id)
		}
		rows[id] = nodeRow{entity: e, checksum: checksum.String(checksum.Checksum(e, t.cfg.Update))}
	}
	for _, o := range objects {
		add(o)
	}
	for _, v := range variables {
		add(v)
	}

	lookup, err := t.LookupNodes(ctx, ids)
	if err != nil {
		t.obs.LogError("timescale_lookup_failed", err, ports.Field{Key: "count", Value: len(ids)})
		return false
	}

	// missing ids are created, found ids only written when their checksum moved
	var upserts []nodeRow
	for _, id := range ids {
		stored, found := lookup.Found[id]
		if r := rows[id]; !found || r.checksum != stored {
			upserts = append(upserts, r)
		}
	}
	if len(upserts) == 0 {
		return true
	}

	err = push.Chunks(ctx, push.Chunk(upserts, t.rowsPerStatement(nodeCols)), t.cfg.Parallelism, t.cfg.Retry,
		func(ctx context.Context, chunk []nodeRow) error {
			return t.upsertNodes(ctx, chunk)
		})
	if err != nil {
		t.obs.LogError("timescale_push_nodes_failed", err,
			ports.Field{Key: "created", Value: len(lookup.Missing)},
			ports.Field{Key: "updated", Value: len(upserts) - len(lookup.Missing)})
		return false
	}
	t.obs.LogDebug("timescale_nodes_pushed",
		ports.Field{Key: "created", Value: len(lookup.Missing)},
		ports.Field{Key: "updated", Value: len(upserts) - len(lookup.Missing)})
	return true
}

const (
	nodeCols  = 11
	refCols   = 5
	pointCols = 4
	eventCols = 7
)

func (t *TimescaleSink) upsertNodes(ctx context.Context, chunk []nodeRow) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tables.nodes)
	b.WriteString(" (id, node_id, name, description, parent_id, node_class, is_variable, data_type, is_string, metadata, checksum) VALUES ")

	args := make([]any, 0, len(chunk)*nodeCols)
	for i, r := range chunk {
		placeholders(&b, i, nodeCols)
		n := r.entity.Base()
		meta, err := json.Marshal(n.Metadata(t.cfg.Update.NodeTypeMetadata))
		if err != nil {
			return push.Permanent(fmt.Errorf("marshal metadata: %w", err))
		}
		var dataType string
		var isString bool
		if v, ok := r.entity.(*domain.Variable); ok {
			dataType, isString = v.DataType.ID, v.DataType.IsString
		}
		args = append(args,
			n.ID,
			n.NodeID,
			n.DisplayName,
			n.Description,
			n.ParentID,
			n.NodeClass.String(),
			r.entity.IsVariable(),
			dataType,
			isString,
			meta,
			r.checksum,
		)
	}
	b.WriteString(" ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description," +
		" parent_id = EXCLUDED.parent_id, metadata = EXCLUDED.metadata, checksum = EXCLUDED.checksum, deleted = false")

	_, err := t.db.ExecContext(ctx, b.String(), args...)
	return classify(err)
}

func (t *TimescaleSink) PushReferences(ctx context.Context, refs []*domain.Reference) bool {
	if len(refs) == 0 {
		return true
	}
	err := push.Chunks(ctx, push.Chunk(refs, t.rowsPerStatement(refCols)), t.cfg.Parallelism, t.cfg.Retry,
		func(ctx context.Context, chunk []*domain.Reference) error {
			var b strings.Builder
			b.WriteString("INSERT INTO ")
			b.WriteString(t.tables.refs)
			b.WriteString(" (ref_key, source_id, target_id, type, is_forward) VALUES ")
			args := make([]any, 0, len(chunk)*refCols)
			for i, r := range chunk {
				placeholders(&b, i, refCols)
				args = append(args, r.Key().String(), r.Source.ID, r.Target.ID, r.Name(), r.IsForward)
			}
			b.WriteString(" ON CONFLICT (ref_key) DO NOTHING")
			_, err := t.db.ExecContext(ctx, b.String(), args...)
			return classify(err)
		})
	if err != nil {
		t.obs.LogError("timescale_push_references_failed", err, ports.Field{Key: "count", Value: len(refs)})
		return false
	}
	return true
}

func (t *TimescaleSink) PushDataPoints(ctx context.Context, points []domain.DataPoint) ports.PushResult {
	points, skipped := push.FilterPoints(points, t.cfg.Filter)
	if skipped > 0 {
		t.obs.IncCounter(observability.MetricPointsSkipped, float64(skipped))
	}
	if len(points) == 0 {
		return ports.PushNoop
	}

	err := push.Chunks(ctx, push.Chunk(points, t.rowsPerStatement(pointCols)), t.cfg.Parallelism, t.cfg.Retry,
		func(ctx context.Context, chunk []domain.DataPoint) error {
			var b strings.Builder
			b.WriteString("INSERT INTO ")
			b.WriteString(t.tables.points)
			b.WriteString(" (id, ts, value, str_value) VALUES ")
			args := make([]any, 0, len(chunk)*pointCols)
			for i, p := range chunk {
				placeholders(&b, i, pointCols)
				if p.IsString {
					args = append(args, p.ID, p.Timestamp, nil, p.Str())
				} else {
					args = append(args, p.ID, p.Timestamp, p.DoubleValue, nil)
				}
			}
			b.WriteString(" ON CONFLICT (id, ts) DO NOTHING")
			_, err := t.db.ExecContext(ctx, b.String(), args...)
			return classify(err)
		})
	if err != nil {
		t.obs.LogError("timescale_push_datapoints_failed", err, ports.Field{Key: "count", Value: len(points)})
		return ports.PushFailed
	}
	return ports.PushOK
}

func (t *TimescaleSink) PushEvents(ctx context.Context, events []domain.Event) ports.PushResult {
	events, _ = push.FilterEvents(events, t.cfg.Filter)
	if len(events) == 0 {
		return ports.PushNoop
	}
	err := push.Chunks(ctx, push.Chunk(events, t.rowsPerStatement(eventCols)), t.cfg.Parallelism, t.cfg.Retry,
		func(ctx context.Context, chunk []domain.Event) error {
			var b strings.Builder
			b.WriteString("INSERT INTO ")
			b.WriteString(t.tables.events)
			b.WriteString(" (event_id, ts, emitting_node, event_type, source_node, message, metadata) VALUES ")
			args := make([]any, 0, len(chunk)*eventCols)
			for i, e := range chunk {
				placeholders(&b, i, eventCols)
				meta, err := json.Marshal(eventMetadata(e))
				if err != nil {
					return push.Permanent(fmt.Errorf("marshal event metadata: %w", err))
				}
				args = append(args, e.EventID, e.Time, e.EmittingNode, e.EventType, e.SourceNode, e.Message, meta)
			}
			b.WriteString(" ON CONFLICT (event_id) DO NOTHING")
			_, err := t.db.ExecContext(ctx, b.String(), args...)
			return classify(err)
		})
	if err != nil {
		t.obs.LogError("timescale_push_events_failed", err, ports.Field{Key: "count", Value: len(events)})
		return ports.PushFailed
	}
	return ports.PushOK
}

// ExecuteDeletes soft-deletes nodes and removes references.
func (t *TimescaleSink) ExecuteDeletes(ctx context.Context, d domain.DeleteResult) bool {
	if d.Empty() {
		return true
	}
	ids := append(append([]string{}, d.Objects...), d.Variables...)
	var errs []error
	if len(ids) > 0 {
		errs = append(errs, t.exec(ctx, "UPDATE "+t.tables.nodes+" SET deleted = true WHERE id = ANY($1)", pq.Array(ids)))
	}
	if len(d.References) > 0 {
		errs = append(errs, t.exec(ctx, "DELETE FROM "+t.tables.refs+" WHERE ref_key = ANY($1)", pq.Array(d.References)))
	}
	if err := errors.Join(errs...); err != nil {
		t.obs.LogError("timescale_deletes_failed", err)
		return false
	}
	return true
}

func (t *TimescaleSink) TestConnection(ctx context.Context) ports.PushResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.db.PingContext(ctx); err != nil {
		t.obs.LogError("timescale_unreachable", err)
		return ports.PushFailed
	}
	return ports.PushOK
}

// Reset is a no-op; the sink keeps no dedup state in memory.
func (t *TimescaleSink) Reset() {}

// eventMetadata flattens ordered event fields into a JSON object. Later
// fields with the same name win.
func eventMetadata(e domain.Event) map[string]any {
	out := make(map[string]any, len(e.MetaData))
	for _, f := range e.MetaData {
		switch v := f.Value.(type) {
		case time.Time:
			out[f.Name] = v.UTC().Format(time.RFC3339Nano)
		default:
			out[f.Name] = v
		}
	}
	return out
}

var _ ports.Sink = (*TimescaleSink)(nil)
