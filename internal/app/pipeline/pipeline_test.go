package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghalamif/aegisbridge/internal/adapters/buffer"
	"github.com/ghalamif/aegisbridge/internal/adapters/queue"
	"github.com/ghalamif/aegisbridge/internal/adapters/sink"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/history"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/push"
	"github.com/ghalamif/aegisbridge/internal/statestore"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestEnqueueWithPolicyBlock(t *testing.T) {
	q := &mockQueue{}
	q.failures = 1

	pol := ports.Policy{
		OnQueueFull: "block",
		IdleSleep:   time.Millisecond,
	}
	obs := &mockObs{}

	if ok := enqueueWithPolicy(context.Background(), q, domain.DataPoint{}, pol, obs); !ok {
		t.Fatalf("expected enqueue to eventually succeed")
	}
	if q.calls != 2 {
		t.Fatalf("expected two enqueue attempts, got %d", q.calls)
	}
}

func TestEnqueueWithPolicyBlockHonoursCancel(t *testing.T) {
	q := &mockQueue{failAlways: true}
	pol := ports.Policy{OnQueueFull: "block", IdleSleep: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := enqueueWithPolicy(ctx, q, domain.DataPoint{}, pol, &mockObs{}); ok {
		t.Fatalf("expected cancelled enqueue to fail")
	}
}

func TestEnqueueWithPolicyDrop(t *testing.T) {
	q := &mockQueue{failAlways: true}
	pol := ports.Policy{
		OnQueueFull: "drop",
	}
	obs := &mockObs{}

	if ok := enqueueWithPolicy(context.Background(), q, domain.DataPoint{}, pol, obs); ok {
		t.Fatalf("expected enqueueWithPolicy to fail")
	}
	if len(obs.errors) == 0 {
		t.Fatalf("expected drop to log an error")
	}
}

func TestEnqueueCountsAccepted(t *testing.T) {
	q := queue.NewMemQueue[domain.DataPoint](2)
	pts := []domain.DataPoint{
		domain.NewNumericPoint("a", t0, 1),
		domain.NewNumericPoint("a", t0, 2),
		domain.NewNumericPoint("a", t0, 3),
	}
	obs := &mockObs{}
	if n := Enqueue(context.Background(), q, pts, ports.Policy{OnQueueFull: "reject"}, obs); n != 2 {
		t.Fatalf("expected 2 accepted points, got %d", n)
	}
	if len(obs.errors) != 1 {
		t.Fatalf("expected one rejected point to be logged, got %d", len(obs.errors))
	}
}

func arrayResult() *domain.NodeSourceResult {
	speed := domain.NewVariable("p:speed", "ns=2;s=Speed", "Speed")
	speed.DataType = domain.NewDataType("i=11", nil)
	status := domain.NewVariable("p:status", "ns=2;s=Status", "Status")
	status.DataType = domain.NewDataType("i=12", nil)
	unit := domain.NewVariable("p:unit", "ns=2;s=Unit", "Unit")
	unit.IsProperty = true

	res := &domain.NodeSourceResult{Variables: []*domain.Variable{speed, unit}, KnownVariables: []*domain.Variable{status}}
	for _, i := range []int{1, 0} {
		el := domain.NewVariable(fmt.Sprintf("p:vec[%d]", i), "ns=2;s=Vec", "Vec")
		el.Index = i
		el.ArrayParentID = "p:vec"
		el.DataType = domain.NewDataType("i=11", nil)
		res.Variables = append(res.Variables, el)
	}
	return res
}

func TestTargetsForGroupsArrayElements(t *testing.T) {
	targets := TargetsFor(arrayResult())

	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d: %+v", len(targets), targets)
	}
	if _, ok := targets["ns=2;s=Unit"]; ok {
		t.Fatalf("properties must not be monitored")
	}
	if got := targets["ns=2;s=Status"]; got.ID != "p:status" || !got.IsString {
		t.Fatalf("unexpected status target %+v", got)
	}
	vec := targets["ns=2;s=Vec"]
	if vec.ID != "p:vec" || len(vec.Elements) != 2 || vec.Elements[0] != "p:vec[0]" || vec.Elements[1] != "p:vec[1]" {
		t.Fatalf("unexpected array target %+v", vec)
	}
}

func TestPointsSplitsArrays(t *testing.T) {
	scalar := Points(Target{ID: "p:speed"}, ports.RawValue{Timestamp: t0, Value: int32(7)})
	if len(scalar) != 1 || scalar[0].DoubleValue != 7 || scalar[0].ID != "p:speed" {
		t.Fatalf("unexpected scalar points %+v", scalar)
	}

	vec := Target{ID: "p:vec", Elements: []string{"p:vec[0]", "p:vec[1]"}}
	pts := Points(vec, ports.RawValue{Timestamp: t0, Value: []float64{1.5, 2.5, 3.5}})
	if len(pts) != 2 {
		t.Fatalf("expected extra elements to be ignored, got %d points", len(pts))
	}
	if pts[1].ID != "p:vec[1]" || pts[1].DoubleValue != 2.5 || !pts[1].Timestamp.Equal(t0) {
		t.Fatalf("unexpected element point %+v", pts[1])
	}

	if got := Points(vec, ports.RawValue{Timestamp: t0, Value: 4.0}); len(got) != 0 {
		t.Fatalf("expected scalar value on array target to be skipped, got %+v", got)
	}
}

func TestCollectorEnqueuesNotifications(t *testing.T) {
	src := &fakeSubscriber{}
	q := queue.NewMemQueue[domain.DataPoint](10)
	c := NewCollector(src, q, ports.Policy{MaxQueueLen: 10, OnQueueFull: "drop"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	targets := TargetsFor(arrayResult())
	sub, err := c.Subscribe(ctx, targets, time.Second, 5)
	if err != nil || sub == nil {
		t.Fatalf("subscribe: sub=%v err=%v", sub, err)
	}
	if len(src.items) != 3 || src.items[0].QueueSize != 5 {
		t.Fatalf("unexpected monitored items %+v", src.items)
	}

	src.out <- ports.Notification{NodeID: "ns=2;s=Vec", Value: ports.RawValue{Timestamp: t0, Value: []int64{4, 5}}}
	src.out <- ports.Notification{NodeID: "ns=2;s=Unknown", Value: ports.RawValue{Timestamp: t0, Value: 1}}
	src.out <- ports.Notification{NodeID: "ns=2;s=Speed", Err: errors.New("bad")}
	src.out <- ports.Notification{NodeID: "ns=2;s=Speed", Value: ports.RawValue{Timestamp: t0, Value: 9.0}}

	waitFor(t, func() bool { return q.Len() == 3 })
	got := q.DequeueBatch(10)
	if got[0].ID != "p:vec[0]" || got[2].ID != "p:speed" {
		t.Fatalf("unexpected queue contents %+v", got)
	}

	again, err := c.Subscribe(ctx, targets, time.Second, 5)
	if err != nil || again != nil {
		t.Fatalf("expected no new subscription for known nodes, got %v %v", again, err)
	}
}

func TestCollectorSubscribeError(t *testing.T) {
	src := &fakeSubscriber{err: errors.New("too many subscriptions")}
	c := NewCollector(src, queue.NewMemQueue[domain.DataPoint](1), ports.Policy{}, nil)
	targets := TargetsFor(arrayResult())

	if _, err := c.Subscribe(context.Background(), targets, time.Second, 1); err == nil {
		t.Fatalf("expected subscribe error")
	}
	src.err = nil
	if sub, err := c.Subscribe(context.Background(), targets, time.Second, 1); err != nil || sub == nil {
		t.Fatalf("expected failed nodes to be retried, got %v %v", sub, err)
	}
}

func TestIngestSpillsAndDrains(t *testing.T) {
	q := queue.NewMemQueue[domain.DataPoint](100)
	pusher := &fakePusher{}
	pusher.fail.Store(true)
	buf := &memBuffer{}
	pol := ports.Policy{MaxBatchSize: 10, IdleSleep: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunIngestPipeline(ctx, q, pusher, buf, pol, &mockObs{})
		close(done)
	}()

	q.Enqueue(domain.NewNumericPoint("a", t0, 1))
	q.Enqueue(domain.NewNumericPoint("a", t0.Add(time.Second), 2))
	waitFor(t, func() bool { return buf.Len() == 2 })

	pusher.fail.Store(false)
	q.Enqueue(domain.NewNumericPoint("a", t0.Add(2*time.Second), 3))
	waitFor(t, func() bool { return buf.Len() == 0 && pusher.Delivered() == 3 })

	pusher.fail.Store(true)
	cancel()
	<-done
	q.Enqueue(domain.NewNumericPoint("a", t0.Add(3*time.Second), 4))
	spill(q, buf, pol, &mockObs{})
	if buf.Len() != 1 {
		t.Fatalf("expected queued points to be spilled, buffer has %d", buf.Len())
	}
}

func TestNodeSyncPushesAndCommits(t *testing.T) {
	obj := &domain.Node{ID: "p:line", NodeID: "ns=2;s=Line", NodeClass: domain.NodeClassObject}
	v := domain.NewVariable("p:speed", "ns=2;s=Speed", "Speed")
	res := &domain.NodeSourceResult{Objects: []*domain.Node{obj}, Variables: []*domain.Variable{v}, IsFullResult: true}
	browser := &fakeBrowser{res: res}
	differ := &fakeDiffer{diff: domain.DeleteResult{Variables: []string{"p:old"}}}
	dummy := sink.NewDummySink(sink.DummyConfig{})
	disp := push.NewDispatcher([]ports.Sink{dummy})

	got, err := NewNodeSync(browser, differ, disp, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != res || browser.committed != res {
		t.Fatalf("expected result to be returned and committed")
	}
	if _, ok := dummy.Variables()["p:speed"]; !ok {
		t.Fatalf("expected variable to reach the sink")
	}
	if dummy.LastDeleteRequest == nil || dummy.LastDeleteRequest.Variables[0] != "p:old" {
		t.Fatalf("expected deletes to reach the sink, got %+v", dummy.LastDeleteRequest)
	}
}

func TestNodeSyncKeepsPendingOnSinkFailure(t *testing.T) {
	v := domain.NewVariable("p:speed", "ns=2;s=Speed", "Speed")
	browser := &fakeBrowser{res: &domain.NodeSourceResult{Variables: []*domain.Variable{v}}}
	dummy := sink.NewDummySink(sink.DummyConfig{FailNodes: true})
	disp := push.NewDispatcher([]ports.Sink{dummy})

	if _, err := NewNodeSync(browser, nil, disp, nil).RunFrom(context.Background(), []string{"ns=2;s=Line"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if browser.roots[0] != "ns=2;s=Line" {
		t.Fatalf("expected partial browse, got %v", browser.roots)
	}
	if browser.committed == nil {
		t.Fatalf("expected commit even when a sink failed")
	}
	if p := disp.Pending(); len(p) != 1 || p[0] != "dummy" {
		t.Fatalf("expected dummy to hold pending input, got %v", p)
	}
}

func TestNodeSyncBrowseError(t *testing.T) {
	browser := &fakeBrowser{err: errors.New("session closed")}
	disp := push.NewDispatcher(nil)
	if _, err := NewNodeSync(browser, nil, disp, nil).Run(context.Background()); err == nil {
		t.Fatalf("expected browse error")
	}
	if browser.committed != nil {
		t.Fatalf("nothing must be committed after a failed browse")
	}
}

func historyResult() *domain.NodeSourceResult {
	line := &domain.Node{ID: "p:line", NodeID: "ns=2;s=Line", EmitsEvents: true}
	quiet := &domain.Node{ID: "p:quiet", NodeID: "ns=2;s=Quiet"}
	temp := domain.NewVariable("p:temp", "ns=2;s=Temp", "Temp")
	temp.Historizing = true
	temp.DataType = domain.NewDataType("i=11", nil)
	live := domain.NewVariable("p:live", "ns=2;s=Live", "Live")
	el := domain.NewVariable("p:vec[0]", "ns=2;s=Vec", "Vec")
	el.Historizing = true
	el.Index = 0
	return &domain.NodeSourceResult{
		Objects:   []*domain.Node{line, quiet},
		Variables: []*domain.Variable{temp, live, el},
	}
}

func TestHistorySyncReadsAndPersists(t *testing.T) {
	src := &fakeHistory{}
	dummy := sink.NewDummySink(sink.DummyConfig{})
	disp := push.NewDispatcher([]ports.Sink{dummy})
	store := statestore.NewMemory()
	opts := HistoryOptions{Data: true, Events: true, StatesTable: "history"}
	ctx := context.Background()

	h := NewHistorySync(history.NewReader(src, history.Config{}), disp, store, nil, opts, nil)
	n, err := h.Track(ctx, historyResult())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 new states, got %d (%v)", n, err)
	}
	if err := h.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(dummy.DataPoints()) != 2 || len(dummy.Events()) != 1 {
		t.Fatalf("expected history to reach the sink, got %d points %d events", len(dummy.DataPoints()), len(dummy.Events()))
	}
	if keys := store.Keys("history"); len(keys) != 2 {
		t.Fatalf("expected persisted states, got %v", keys)
	}

	again := NewHistorySync(history.NewReader(src, history.Config{}), disp, store, nil, opts, nil)
	if _, err := again.Track(ctx, historyResult()); err != nil {
		t.Fatalf("track: %v", err)
	}
	for _, s := range again.States() {
		if s.ID == "p:temp" {
			if !s.SourceTimestamp().Equal(t0.Add(time.Second)) {
				t.Fatalf("expected restored mark, got %s", s.SourceTimestamp())
			}
			if s.FrontfillComplete() {
				t.Fatalf("restored frontfill must run again")
			}
		}
	}
}

func TestHistorySyncBuffersRejectedPages(t *testing.T) {
	dummy := sink.NewDummySink(sink.DummyConfig{FailDataPoints: true})
	disp := push.NewDispatcher([]ports.Sink{dummy})
	buf := &memBuffer{}
	h := NewHistorySync(history.NewReader(&fakeHistory{}, history.Config{MaxAttempts: 1}), disp, nil, buf,
		HistoryOptions{Data: true}, nil)
	ctx := context.Background()

	if _, err := h.Track(ctx, historyResult()); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := h.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if buf.Len() != 2 {
		t.Fatalf("expected rejected page in the buffer, got %d", buf.Len())
	}
	s := h.States()[0]
	if !s.FrontfillComplete() || !s.SourceTimestamp().Equal(t0.Add(time.Second)) {
		t.Fatalf("buffered page must advance the state")
	}

	fresh := NewHistorySync(history.NewReader(&fakeHistory{}, history.Config{MaxAttempts: 1}), disp, nil, nil,
		HistoryOptions{Data: true}, nil)
	if _, err := fresh.Track(ctx, historyResult()); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := fresh.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fresh.States()[0].FrontfillComplete() {
		t.Fatalf("without a buffer a rejected page must fail the state")
	}
}

func TestHistorySyncUnbufferedStringPageFailsState(t *testing.T) {
	dummy := sink.NewDummySink(sink.DummyConfig{FailDataPoints: true})
	disp := push.NewDispatcher([]ports.Sink{dummy})
	buf, err := buffer.NewFileBuffer(buffer.Config{Enabled: true, Path: filepath.Join(t.TempDir(), "points.buf")})
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	h := NewHistorySync(history.NewReader(&fakeHistory{}, history.Config{MaxAttempts: 1}), disp, nil, buf,
		HistoryOptions{Data: true}, nil)
	ctx := context.Background()

	label := domain.NewVariable("p:label", "ns=2;s=Label", "Label")
	label.Historizing = true
	label.DataType = domain.NewDataType("i=12", nil)
	if _, err := h.Track(ctx, &domain.NodeSourceResult{Variables: []*domain.Variable{label}}); err != nil {
		t.Fatalf("track: %v", err)
	}
	start := h.States()[0].SourceTimestamp()
	if err := h.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !buf.Empty() {
		t.Fatalf("string points cannot be buffered, got %d bytes", buf.SizeBytes())
	}
	s := h.States()[0]
	if s.FrontfillComplete() || !s.SourceTimestamp().Equal(start) {
		t.Fatalf("dropped page must not advance the state, got mark %s", s.SourceTimestamp())
	}
}

func TestHistorySyncBackfillStartsNow(t *testing.T) {
	h := NewHistorySync(history.NewReader(&fakeHistory{}, history.Config{}), push.NewDispatcher(nil), nil, nil,
		HistoryOptions{Data: true, Backfill: true, StartTime: t0.Add(-time.Hour)}, nil)
	now := t0.Add(time.Hour)
	h.now = func() time.Time { return now }

	if _, err := h.Track(context.Background(), historyResult()); err != nil {
		t.Fatalf("track: %v", err)
	}
	s := h.States()[0]
	if !s.SourceTimestamp().Equal(now) || !s.BackfillTimestamp().Equal(now) {
		t.Fatalf("expected both marks at now, got %s/%s", s.SourceTimestamp(), s.BackfillTimestamp())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type mockQueue struct {
	failures   int32
	failAlways bool
	calls      int
}

func (m *mockQueue) Enqueue(domain.DataPoint) bool {
	m.calls++
	if m.failAlways {
		return false
	}
	if atomic.LoadInt32(&m.failures) > 0 {
		atomic.AddInt32(&m.failures, -1)
		return false
	}
	return true
}

func (m *mockQueue) DequeueBatch(int) []domain.DataPoint { return nil }
func (m *mockQueue) Len() int                            { return 0 }

type mockObs struct {
	mu     sync.Mutex
	errors []error
}

func (m *mockObs) LogDebug(string, ...ports.Field)           {}
func (m *mockObs) LogInfo(string, ...ports.Field)            {}
func (m *mockObs) LogCritical(string, error, ...ports.Field) {}
func (m *mockObs) IncCounter(string, float64)                {}
func (m *mockObs) ObserveLatency(string, float64)            {}
func (m *mockObs) SetGauge(string, float64)                  {}

func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, err)
	m.mu.Unlock()
}

type fakeSubscriber struct {
	err   error
	items []ports.MonitorRequest
	out   chan<- ports.Notification
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ string, items []ports.MonitorRequest, out chan<- ports.Notification) (ports.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.items, f.out = items, out
	return fakeSubscription{}, nil
}

type fakeSubscription struct{}

func (fakeSubscription) Cancel(context.Context) error { return nil }

type fakePusher struct {
	fail      atomic.Bool
	mu        sync.Mutex
	delivered []domain.DataPoint
}

func (f *fakePusher) PushDataPoints(_ context.Context, pts []domain.DataPoint) push.Results {
	if f.fail.Load() {
		return push.Results{"fake": ports.PushFailed}
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, pts...)
	f.mu.Unlock()
	return push.Results{"fake": ports.PushOK}
}

func (f *fakePusher) Delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type memBuffer struct {
	mu     sync.Mutex
	points []domain.DataPoint
}

func (b *memBuffer) Write(pts []domain.DataPoint) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.points = append(b.points, pts...)
	return len(pts), nil
}

func (b *memBuffer) Drain(ctx context.Context, push func(context.Context, []domain.DataPoint) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !push(ctx, b.points) {
		return 0, errors.New("rejected")
	}
	n := len(b.points)
	b.points = nil
	return n, nil
}

func (b *memBuffer) SizeBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.points))
}

func (b *memBuffer) Len() int { return int(b.SizeBytes()) }

type fakeBrowser struct {
	res       *domain.NodeSourceResult
	err       error
	roots     []string
	committed *domain.NodeSourceResult
}

func (f *fakeBrowser) Browse(context.Context) (*domain.NodeSourceResult, error) {
	return f.res, f.err
}

func (f *fakeBrowser) BrowseFrom(_ context.Context, roots []string) (*domain.NodeSourceResult, error) {
	f.roots = roots
	return f.res, f.err
}

func (f *fakeBrowser) Commit(res *domain.NodeSourceResult) { f.committed = res }

type fakeDiffer struct{ diff domain.DeleteResult }

func (f *fakeDiffer) GetDiffAndStoreIDs(context.Context, *domain.NodeSourceResult) (domain.DeleteResult, error) {
	return f.diff, nil
}

// fakeHistory serves one page per node: two values, or one event, after t0.
type fakeHistory struct{}

func (fakeHistory) HistoryReadData(_ context.Context, req ports.HistoryRequest) (ports.HistoryDataPage, error) {
	if !req.Start.Before(t0) {
		return ports.HistoryDataPage{}, nil
	}
	return ports.HistoryDataPage{Values: []ports.RawValue{
		{Timestamp: t0, Value: 1.0},
		{Timestamp: t0.Add(time.Second), Value: 2.0},
	}}, nil
}

func (fakeHistory) HistoryReadEvents(_ context.Context, req ports.HistoryRequest) (ports.HistoryEventPage, error) {
	if !req.Start.Before(t0) {
		return ports.HistoryEventPage{}, nil
	}
	return ports.HistoryEventPage{Events: []domain.Event{
		{EventID: "e1", Time: t0, EmittingNode: "p:line"},
	}}, nil
}

func (fakeHistory) ReleaseContinuation(context.Context, string, []byte, bool) error { return nil }
