package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// DataSubscriptionName names the live value subscription.
const DataSubscriptionName = "DataChangeListener"

// Target maps a monitored node to the external ids its values land on.
type Target struct {
	ID       string
	IsString bool
	// Elements are the child ids of an expanded array, by index.
	Elements []string
}

// TargetsFor indexes every variable of res by source node. Array elements
// are grouped under the node they were expanded from.
func TargetsFor(res *domain.NodeSourceResult) map[string]Target {
	out := make(map[string]Target)
	add := func(v *domain.Variable) {
		if v.IsProperty {
			return
		}
		if !v.IsArrayElement() {
			out[v.NodeID] = Target{ID: v.ID, IsString: v.DataType.IsString}
			return
		}
		t := out[v.NodeID]
		t.ID = v.ArrayParentID
		t.IsString = v.DataType.IsString
		for len(t.Elements) <= v.Index {
			t.Elements = append(t.Elements, "")
		}
		t.Elements[v.Index] = v.ID
		out[v.NodeID] = t
	}
	for _, v := range res.Variables {
		add(v)
	}
	for _, v := range res.KnownVariables {
		add(v)
	}
	return out
}

// Points converts one raw value into data points for t. Array values are
// split over the expanded elements; extra elements are ignored.
func Points(t Target, v ports.RawValue) []domain.DataPoint {
	if len(t.Elements) == 0 {
		return []domain.DataPoint{domain.PointFromValue(t.ID, v.Timestamp, v.Value, t.IsString)}
	}
	rv := reflect.ValueOf(v.Value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]domain.DataPoint, 0, len(t.Elements))
	for i := 0; i < rv.Len() && i < len(t.Elements); i++ {
		if t.Elements[i] == "" {
			continue
		}
		out = append(out, domain.PointFromValue(t.Elements[i], v.Timestamp, rv.Index(i).Interface(), t.IsString))
	}
	return out
}

// Collector feeds live subscription values into the data point queue.
type Collector struct {
	src ports.Subscriber
	q   ports.Queue[domain.DataPoint]
	pol ports.Policy
	obs ports.Observability

	mu      sync.RWMutex
	targets map[string]Target
}

func NewCollector(src ports.Subscriber, q ports.Queue[domain.DataPoint], pol ports.Policy, obs ports.Observability) *Collector {
	if obs == nil {
		obs = observability.Nop()
	}
	return &Collector{src: src, q: q, pol: pol, obs: obs, targets: map[string]Target{}}
}

// Subscribe monitors every node of targets that is not already monitored
// and returns the new subscription, or nil when there was nothing to add.
func (c *Collector) Subscribe(ctx context.Context, targets map[string]Target, sampling time.Duration, queueSize uint32) (ports.Subscription, error) {
	c.mu.Lock()
	var items []ports.MonitorRequest
	for nodeID, t := range targets {
		if _, ok := c.targets[nodeID]; !ok {
			items = append(items, ports.MonitorRequest{NodeID: nodeID, SamplingInterval: sampling, QueueSize: queueSize})
		}
		c.targets[nodeID] = t
	}
	c.mu.Unlock()
	if len(items) == 0 {
		return nil, nil
	}

	capacity := c.pol.MaxQueueLen
	if capacity <= 0 || capacity > 10_000 {
		capacity = 10_000
	}
	ch := make(chan ports.Notification, capacity)
	sub, err := c.src.Subscribe(ctx, DataSubscriptionName, items, ch)
	if err != nil {
		c.mu.Lock()
		for _, it := range items {
			delete(c.targets, it.NodeID)
		}
		c.mu.Unlock()
		return nil, err
	}

	go c.consume(ctx, ch)
	return sub, nil
}

func (c *Collector) consume(ctx context.Context, ch <-chan ports.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.Err != nil {
				c.obs.LogDebug("notification_error",
					ports.Field{Key: "node", Value: n.NodeID},
					ports.Field{Key: "error", Value: n.Err.Error()})
				continue
			}
			c.mu.RLock()
			t, ok := c.targets[n.NodeID]
			c.mu.RUnlock()
			if !ok {
				continue
			}
			Enqueue(ctx, c.q, Points(t, n.Value), c.pol, c.obs)
		}
	}
}

// Enqueue applies the queue-full policy to each point and returns how many
// were accepted. Rejected points are counted as drops.
func Enqueue(ctx context.Context, q ports.Queue[domain.DataPoint], points []domain.DataPoint, pol ports.Policy, obs ports.Observability) int {
	n := 0
	for _, p := range points {
		if enqueueWithPolicy(ctx, q, p, pol, obs) {
			n++
		}
	}
	if dropped := len(points) - n; dropped > 0 {
		obs.IncCounter(observability.MetricQueueDrops, float64(dropped))
	}
	return n
}

func enqueueWithPolicy(ctx context.Context, q ports.Queue[domain.DataPoint], p domain.DataPoint, pol ports.Policy, obs ports.Observability) bool {
	sleep := pol.IdleSleep
	if sleep <= 0 {
		sleep = 5 * time.Millisecond
	}

	for {
		if ok := q.Enqueue(p); ok {
			return true
		}

		switch pol.OnQueueFull {
		case "block":
			select {
			case <-ctx.Done():
				return false
			case <-time.After(sleep):
			}
		case "drop", "reject":
			obs.LogError("queue_full_drop", fmt.Errorf("queue length exceeded capacity %d", pol.MaxQueueLen))
			return false
		default:
			obs.LogError("queue_policy_invalid", fmt.Errorf("policy=%s", pol.OnQueueFull))
			return false
		}
	}
}
