package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/history"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/push"
	"github.com/ghalamif/aegisbridge/internal/statestore"
)

// HistoryPusher delivers history pages to every sink.
type HistoryPusher interface {
	PointPusher
	PushEvents(ctx context.Context, events []domain.Event) push.Results
}

// HistoryOptions selects what HistorySync reads.
type HistoryOptions struct {
	Data     bool
	Events   bool
	Backfill bool
	// StartTime seeds new states when backfill is off.
	StartTime time.Time
	// StatesTable persists marks in the state store. Empty disables persistence.
	StatesTable string
}

// HistorySync owns the extraction states of every historized variable and
// event emitter and drives the history reader over them.
type HistorySync struct {
	reader *history.Reader
	sinks  HistoryPusher
	store  ports.StateStore
	buf    ports.PointBuffer
	opts   HistoryOptions
	obs    ports.Observability
	now    func() time.Time

	mu     sync.Mutex
	data   map[string]*domain.ExtractionState
	events map[string]*domain.ExtractionState
}

// NewHistorySync builds a history driver. store and buf may be nil.
func NewHistorySync(reader *history.Reader, sinks HistoryPusher, store ports.StateStore, buf ports.PointBuffer, opts HistoryOptions, obs ports.Observability) *HistorySync {
	if obs == nil {
		obs = observability.Nop()
	}
	return &HistorySync{
		reader: reader,
		sinks:  sinks,
		store:  store,
		buf:    buf,
		opts:   opts,
		obs:    obs,
		now:    time.Now,
		data:   map[string]*domain.ExtractionState{},
		events: map[string]*domain.ExtractionState{},
	}
}

// Track creates states for the historized variables and event emitters of
// res that are not tracked yet, restoring persisted marks. It returns the
// number of new states.
func (h *HistorySync) Track(ctx context.Context, res *domain.NodeSourceResult) (int, error) {
	start := h.opts.StartTime
	if h.opts.Backfill {
		start = h.now()
	}

	h.mu.Lock()
	fresh := make(map[string]*domain.ExtractionState)
	if h.opts.Data {
		for _, list := range [][]*domain.Variable{res.Variables, res.KnownVariables} {
			for _, v := range list {
				if !v.Historizing || v.IsProperty || v.IsArrayElement() {
					continue
				}
				if _, ok := h.data[v.ID]; ok {
					continue
				}
				s := domain.NewExtractionState(v.ID, v.NodeID, false, start)
				s.IsString = v.DataType.IsString
				h.data[v.ID] = s
				fresh[v.ID] = s
			}
		}
	}
	if h.opts.Events {
		for _, list := range [][]*domain.Node{res.Objects, res.KnownObjects} {
			for _, o := range list {
				if !o.EmitsEvents {
					continue
				}
				if _, ok := h.events[o.ID]; ok {
					continue
				}
				s := domain.NewExtractionState(o.ID, o.NodeID, true, start)
				h.events[o.ID] = s
				fresh[o.ID] = s
			}
		}
	}
	h.mu.Unlock()

	if len(fresh) == 0 || h.store == nil || h.opts.StatesTable == "" {
		return len(fresh), nil
	}
	n, err := statestore.RestoreExtractionStates(ctx, h.store, h.opts.StatesTable, fresh)
	if err != nil {
		return len(fresh), fmt.Errorf("restore history states: %w", err)
	}
	// the gap since the last run is read again before live values take over
	for _, s := range fresh {
		s.SetFrontfillComplete(false)
	}
	h.obs.LogInfo("history_states_restored",
		ports.Field{Key: "new", Value: len(fresh)},
		ports.Field{Key: "restored", Value: n})
	return len(fresh), nil
}

// Run frontfills, then backfills when enabled, every tracked state and
// persists the marks afterwards.
func (h *HistorySync) Run(ctx context.Context) error {
	data, events := h.snapshot()
	if len(data) == 0 && len(events) == 0 {
		return nil
	}

	if len(data) > 0 {
		h.report("frontfill_data", h.reader.FrontfillData(ctx, data, h.pushData))
	}
	if len(events) > 0 {
		h.report("frontfill_events", h.reader.FrontfillEvents(ctx, events, h.pushEvents))
	}
	if h.opts.Backfill {
		if len(data) > 0 {
			h.report("backfill_data", h.reader.BackfillData(ctx, data, h.pushData))
		}
		if len(events) > 0 {
			h.report("backfill_events", h.reader.BackfillEvents(ctx, events, h.pushEvents))
		}
	}
	return h.Persist(context.WithoutCancel(ctx))
}

// Persist writes the marks of every tracked state.
func (h *HistorySync) Persist(ctx context.Context) error {
	if h.store == nil || h.opts.StatesTable == "" {
		return nil
	}
	data, events := h.snapshot()
	return errors.Join(
		statestore.StoreExtractionStates(ctx, h.store, h.opts.StatesTable, data),
		statestore.StoreExtractionStates(ctx, h.store, h.opts.StatesTable, events),
	)
}

// States returns the tracked states, data first.
func (h *HistorySync) States() []*domain.ExtractionState {
	data, events := h.snapshot()
	return append(data, events...)
}

func (h *HistorySync) snapshot() (data, events []*domain.ExtractionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data = make([]*domain.ExtractionState, 0, len(h.data))
	for _, s := range h.data {
		data = append(data, s)
	}
	events = make([]*domain.ExtractionState, 0, len(h.events))
	for _, s := range h.events {
		events = append(events, s)
	}
	return data, events
}

func (h *HistorySync) report(kind string, res history.RunResult) {
	if res.Failed > 0 {
		h.obs.LogError("history_states_failed", fmt.Errorf("%d state(s) failed", res.Failed),
			ports.Field{Key: "type", Value: kind},
			ports.Field{Key: "ids", Value: res.FailedIDs})
	}
}

// pushData sends one history page. A page the sinks reject counts as
// delivered only when the buffer takes all of it; otherwise the state fails
// and its mark stays put.
func (h *HistorySync) pushData(ctx context.Context, s *domain.ExtractionState, points []domain.DataPoint) error {
	res := h.sinks.PushDataPoints(ctx, points)
	if res.OK() {
		return nil
	}
	if h.buf == nil {
		return fmt.Errorf("push history of %s: sinks %v failed", s.ID, res.Failed())
	}
	n, err := h.buf.Write(points)
	if err != nil {
		return fmt.Errorf("buffer history of %s: %w", s.ID, err)
	}
	if n < len(points) {
		return fmt.Errorf("buffer history of %s: kept %d of %d points", s.ID, n, len(points))
	}
	return nil
}

func (h *HistorySync) pushEvents(ctx context.Context, s *domain.ExtractionState, events []domain.Event) error {
	res := h.sinks.PushEvents(ctx, events)
	if !res.OK() {
		return fmt.Errorf("push events of %s: sinks %v failed", s.ID, res.Failed())
	}
	return nil
}
