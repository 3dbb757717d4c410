// Package rebrowse watches server namespace metadata and requests a new
// browse pass when it changes.
package rebrowse

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/browse"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

const (
	// ServerNamespaces is the folder holding one object per server namespace.
	ServerNamespaces = "i=11715"
	SubscriptionName = "TriggerRebrowse"

	notificationBuffer = 16
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	// Targets are the display names of namespace variables to watch.
	Targets []string `yaml:"targets"`
	// Namespaces limits the watch to these namespace uris. Empty watches all.
	Namespaces       []string      `yaml:"namespaces"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
}

func (c *Config) ApplyDefaults() {
	if len(c.Targets) == 0 {
		c.Targets = []string{"NamespacePublicationDate"}
	}
	if c.SamplingInterval <= 0 {
		c.SamplingInterval = time.Second
	}
}

type Source interface {
	ports.Browser
	ports.Subscriber
}

// Queue holds at most one pending rebrowse request.
type Queue struct {
	ch chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ch: make(chan struct{}, 1)}
}

// Request marks a rebrowse as pending. It returns false when one already was.
func (q *Queue) Request() bool {
	select {
	case q.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (q *Queue) C() <-chan struct{} { return q.ch }

// Trigger subscribes to the configured namespace variables and requests a
// rebrowse whenever one reports a timestamp newer than the baseline.
type Trigger struct {
	src   Source
	cfg   Config
	queue *Queue
	obs   ports.Observability

	mu       sync.Mutex
	baseline time.Time
	nodes    []string
	sub      ports.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTrigger returns a trigger that fires for values after baseline,
// normally the process start time. The baseline moves to every value that
// fires, so a republished marker does not fire again.
func NewTrigger(src Source, cfg Config, queue *Queue, baseline time.Time, obs ports.Observability) *Trigger {
	cfg.ApplyDefaults()
	if obs == nil {
		obs = observability.Nop()
	}
	return &Trigger{src: src, cfg: cfg, queue: queue, baseline: baseline, obs: obs}
}

// Nodes returns the subscribed node ids.
func (t *Trigger) Nodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.nodes)
}

// Enable resolves the watched variables and subscribes to them. Nothing is
// subscribed when no variable matches.
func (t *Trigger) Enable(ctx context.Context) error {
	nodes, err := t.resolve(ctx)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		t.obs.LogInfo("rebrowse_no_targets")
		return nil
	}

	items := make([]ports.MonitorRequest, len(nodes))
	for i, id := range nodes {
		items[i] = ports.MonitorRequest{NodeID: id, SamplingInterval: t.cfg.SamplingInterval, QueueSize: 1}
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan ports.Notification, notificationBuffer)
	sub, err := t.src.Subscribe(runCtx, SubscriptionName, items, out)
	if err != nil {
		cancel()
		return err
	}

	t.mu.Lock()
	t.nodes = nodes
	t.sub = sub
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	t.obs.LogInfo("rebrowse_subscribed", ports.Field{Key: "nodes", Value: nodes})
	go t.consume(runCtx, out, done)
	return nil
}

// Close cancels the subscription and waits for the consumer to exit.
func (t *Trigger) Close(ctx context.Context) error {
	t.mu.Lock()
	sub, cancel, done := t.sub, t.cancel, t.done
	t.sub, t.cancel, t.done = nil, nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	var err error
	if sub != nil {
		err = sub.Cancel(ctx)
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

func (t *Trigger) resolve(ctx context.Context) ([]string, error) {
	namespaces := make(map[string]string)
	var order []string
	targets := make(map[string][]string)

	// depth 1 is the namespace objects, depth 2 their variables
	err := browse.Directory(ctx, t.src, []string{ServerNamespaces}, func(parent string, ref domain.ReferenceDescription) (bool, error) {
		if parent == ServerNamespaces {
			if _, ok := namespaces[ref.DisplayName]; !ok {
				namespaces[ref.DisplayName] = ref.NodeID
				order = append(order, ref.DisplayName)
			}
			return true, nil
		}
		if ref.NodeClass == domain.NodeClassVariable && slices.Contains(t.cfg.Targets, ref.DisplayName) {
			targets[parent] = append(targets[parent], ref.NodeID)
		}
		return false, nil
	}, browse.DirectoryOptions{MaxDepth: 2})
	if err != nil {
		return nil, err
	}

	selected := order
	if len(t.cfg.Namespaces) > 0 {
		selected = nil
		var missing []string
		for _, ns := range t.cfg.Namespaces {
			if _, ok := namespaces[ns]; ok {
				selected = append(selected, ns)
			} else {
				missing = append(missing, ns)
			}
		}
		if len(missing) > 0 {
			t.obs.LogInfo("rebrowse_namespaces_missing", ports.Field{Key: "namespaces", Value: missing})
		}
	}

	var nodes []string
	for _, ns := range selected {
		nodes = append(nodes, targets[namespaces[ns]]...)
	}
	return nodes, nil
}

func (t *Trigger) consume(ctx context.Context, in <-chan ports.Notification, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-in:
			if !ok {
				return
			}
			t.handle(n)
		}
	}
}

func (t *Trigger) handle(n ports.Notification) {
	if n.Err != nil {
		t.obs.LogError("rebrowse_notification_failed", n.Err, ports.Field{Key: "node", Value: n.NodeID})
		return
	}
	ts, ok := n.Value.Value.(time.Time)
	if !ok {
		return
	}
	t.mu.Lock()
	fire := ts.After(t.baseline)
	if fire {
		t.baseline = ts
	}
	t.mu.Unlock()
	if !fire {
		return
	}
	t.obs.LogInfo("rebrowse_triggered", ports.Field{Key: "node", Value: n.NodeID}, ports.Field{Key: "value", Value: ts})
	t.obs.IncCounter(observability.MetricRebrowseTriggered, 1)
	t.queue.Request()
}
