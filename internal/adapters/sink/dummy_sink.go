package sink

import (
	"context"
	"sync"

	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// DummyConfig lets a dummy sink simulate an unhealthy target.
type DummyConfig struct {
	Name           string `yaml:"name"`
	FailNodes      bool   `yaml:"fail_nodes"`
	FailDataPoints bool   `yaml:"fail_datapoints"`
	FailEvents     bool   `yaml:"fail_events"`
	FailConnection bool   `yaml:"fail_connection"`
}

// DummySink keeps everything it receives in memory.
type DummySink struct {
	mu  sync.Mutex
	cfg DummyConfig

	objects    map[string]*domain.Node
	variables  map[string]*domain.Variable
	references map[domain.ReferenceKey]*domain.Reference
	points     []domain.DataPoint
	events     []domain.Event

	LastDeleteRequest *domain.DeleteResult
	Resets            int
}

func NewDummySink(cfg DummyConfig) *DummySink {
	if cfg.Name == "" {
		cfg.Name = "dummy"
	}
	return &DummySink{
		cfg:        cfg,
		objects:    map[string]*domain.Node{},
		variables:  map[string]*domain.Variable{},
		references: map[domain.ReferenceKey]*domain.Reference{},
	}
}

func (d *DummySink) Name() string { return d.cfg.Name }

// SetFailures swaps the simulated failure modes.
func (d *DummySink) SetFailures(cfg DummyConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg.Name = d.cfg.Name
	d.cfg = cfg
}

func (d *DummySink) PushNodes(_ context.Context, objects []*domain.Node, variables []*domain.Variable) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.FailNodes {
		return false
	}
	for _, o := range objects {
		d.objects[o.ID] = o
	}
	for _, v := range variables {
		d.variables[v.ID] = v
	}
	return true
}

func (d *DummySink) PushReferences(_ context.Context, refs []*domain.Reference) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.FailNodes {
		return false
	}
	for _, r := range refs {
		d.references[r.Key()] = r
	}
	return true
}

func (d *DummySink) PushDataPoints(_ context.Context, points []domain.DataPoint) ports.PushResult {
	if len(points) == 0 {
		return ports.PushNoop
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.FailDataPoints {
		return ports.PushFailed
	}
	d.points = append(d.points, points...)
	return ports.PushOK
}

func (d *DummySink) PushEvents(_ context.Context, events []domain.Event) ports.PushResult {
	if len(events) == 0 {
		return ports.PushNoop
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.FailEvents {
		return ports.PushFailed
	}
	d.events = append(d.events, events...)
	return ports.PushOK
}

func (d *DummySink) ExecuteDeletes(_ context.Context, del domain.DeleteResult) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastDeleteRequest = &del
	for _, id := range del.Objects {
		delete(d.objects, id)
	}
	for _, id := range del.Variables {
		delete(d.variables, id)
	}
	for key := range d.references {
		for _, id := range del.References {
			if key.String() == id {
				delete(d.references, key)
			}
		}
	}
	return true
}

func (d *DummySink) TestConnection(context.Context) ports.PushResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ports.ResultOf(!d.cfg.FailConnection)
}

func (d *DummySink) Reset() {
	d.mu.Lock()
	d.Resets++
	d.mu.Unlock()
}

func (d *DummySink) Objects() map[string]*domain.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*domain.Node, len(d.objects))
	for k, v := range d.objects {
		out[k] = v
	}
	return out
}

func (d *DummySink) Variables() map[string]*domain.Variable {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*domain.Variable, len(d.variables))
	for k, v := range d.variables {
		out[k] = v
	}
	return out
}

func (d *DummySink) References() []*domain.Reference {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*domain.Reference, 0, len(d.references))
	for _, r := range d.references {
		out = append(out, r)
	}
	return out
}

func (d *DummySink) DataPoints() []domain.DataPoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.DataPoint(nil), d.points...)
}

func (d *DummySink) Events() []domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Event(nil), d.events...)
}

var _ ports.Sink = (*DummySink)(nil)
